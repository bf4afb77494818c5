package state

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// debounceCapacity bounds the working set of distinct (kind, path) keys
// tracked for debouncing. A bounded LRU plus the periodic prune sweep in
// AgentState.StartDebouncePruner together resolve unbounded growth under sustained high event
// volume: the LRU caps worst-case memory even if the sweep falls behind,
// and the sweep keeps the table small during normal operation so the LRU
// rarely has to evict anything live.
const debounceCapacity = 8192

// debounceTable tracks the last-emission time for each (kind, relative
// path) key, used by the event pipeline's debounce stage.
type debounceTable struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
}

func newDebounceTable() *debounceTable {
	c, err := lru.New[string, time.Time](debounceCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which debounceCapacity
		// never is.
		panic(err)
	}
	return &debounceTable{cache: c}
}

// checkAndRecord reports whether the given key was last recorded within
// window of now (i.e. this emission should be debounced/dropped), and
// records now as the new last-seen time for the key in all cases where
// debouncing is active (window > 0).
func (d *debounceTable) checkAndRecord(key string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.cache.Get(key); ok {
		if now.Sub(last) < window {
			return true
		}
	}
	d.cache.Add(key, now)
	return false
}

// prune evicts entries older than maxAge. It is called periodically by
// AgentState's prune worker, modeled on the teacher's purge-on-ticker
// pattern, to keep the live working set small between LRU evictions.
func (d *debounceTable) prune(now time.Time, maxAge time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range d.cache.Keys() {
		ts, ok := d.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(ts) > maxAge {
			d.cache.Remove(key)
		}
	}
}

func (d *debounceTable) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
