// Package state holds the single shared, thread-safe AgentState that every
// worker (event pipeline, status publisher, config reloader, aggregator,
// command dispatcher) reads from and writes to.
package state

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watchkeeper/fsagent/internal/config"
)

// AgentState is the single shared mutable state container. Compound fields
// (sets, multi-field snapshots) are read and written under mu. paused has
// its own atomic for lock-free reads on the pipeline's hot path; the
// aggregate counters share a separate mutex so the aggregator's
// read-and-reset never contends with the config/ignore-set lock.
type AgentState struct {
	startTime time.Time
	pid       int

	mu                sync.Mutex
	cfg               *config.RuntimeConfig
	watchPath         string
	recursive         bool
	ignoredPaths      map[string]struct{}
	ignoreGlobs       map[string]struct{}
	extraIgnoredPaths map[string]struct{}
	extraIgnoreGlobs  map[string]struct{}
	lastEventTS       string

	paused atomic.Bool

	debounce *debounceTable

	aggMu               sync.Mutex
	aggCounts           map[string]int64
	aggDebouncedSkipped int64
	aggWindowStart      time.Time

	cmdMu          sync.Mutex
	commandRetries map[string]int
}

// New constructs an AgentState seeded with an initial config. The version
// reported in snapshots is passed to Snapshot, not stored here.
func New(cfg *config.RuntimeConfig) *AgentState {
	s := &AgentState{
		startTime:         time.Now(),
		pid:               os.Getpid(),
		ignoredPaths:      map[string]struct{}{},
		ignoreGlobs:       map[string]struct{}{},
		extraIgnoredPaths: map[string]struct{}{},
		extraIgnoreGlobs:  map[string]struct{}{},
		debounce:          newDebounceTable(),
		aggCounts:         map[string]int64{"created": 0, "modified": 0, "deleted": 0},
		aggWindowStart:    time.Now(),
		commandRetries:    map[string]int{},
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig installs a new config snapshot and refreshes the derived
// watch_path/recursive/ignored_* fields from it, mirroring the original
// agent's update_config: the config is swapped as a whole, and the
// convenience copies (watchPath, recursive, ignoredPaths, ignoreGlobs)
// are kept in lockstep so the normalize and ignore-match stages can read
// them without going through cfg.
func (s *AgentState) UpdateConfig(cfg *config.RuntimeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.watchPath = cfg.WatchPath
	s.recursive = cfg.Recursive
	s.ignoredPaths = copySet(cfg.IgnorePaths)
	s.ignoreGlobs = copySet(cfg.IgnoreGlobs)
}

// Config returns the currently installed config snapshot.
func (s *AgentState) Config() *config.RuntimeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateLastEvent records the timestamp of the most recently emitted event.
func (s *AgentState) UpdateLastEvent(isoTS string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventTS = isoTS
}

// Paused reports whether the agent is currently paused.
func (s *AgentState) Paused() bool {
	return s.paused.Load()
}

// SetPaused sets the paused flag.
func (s *AgentState) SetPaused(v bool) {
	s.paused.Store(v)
}

// SetExtraIgnored replaces the command-adjustable ignore sets wholesale.
func (s *AgentState) SetExtraIgnored(paths, globs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraIgnoredPaths = toSet(paths)
	s.extraIgnoreGlobs = toSet(globs)
}

// AddExtraIgnored adds to the command-adjustable ignore sets.
func (s *AgentState) AddExtraIgnored(paths, globs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		s.extraIgnoredPaths[p] = struct{}{}
	}
	for _, g := range globs {
		s.extraIgnoreGlobs[g] = struct{}{}
	}
}

// ClearExtraIgnored empties the command-adjustable ignore sets.
func (s *AgentState) ClearExtraIgnored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraIgnoredPaths = map[string]struct{}{}
	s.extraIgnoreGlobs = map[string]struct{}{}
}

// ExtraIgnored returns sorted copies of the command-adjustable ignore sets.
func (s *AgentState) ExtraIgnored() (paths, globs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.SortedSet(s.extraIgnoredPaths), config.SortedSet(s.extraIgnoreGlobs)
}

// CombinedIgnores returns the union of config-level and command-adjusted
// ignore paths/globs, as used by the event pipeline's ignore-match stage.
func (s *AgentState) CombinedIgnores() (paths, globs map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unionSet(s.ignoredPaths, s.extraIgnoredPaths), unionSet(s.ignoreGlobs, s.extraIgnoreGlobs)
}

// WatchPath and Recursive expose the derived, lock-protected copies of the
// current config's watch target, avoiding a Config() call (and thus a
// second lock) on the hot path.
func (s *AgentState) WatchPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchPath
}

func (s *AgentState) Recursive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recursive
}

// CheckDebounce reports whether (kind, relPath) was emitted within the last
// window and, if not, records now as the new last-emission time. relPath is
// lower-cased by the caller's convention before being combined with kind.
func (s *AgentState) CheckDebounce(kind, relPathLower string, now time.Time, window time.Duration) bool {
	key := kind + ":" + relPathLower
	return s.debounce.checkAndRecord(key, now, window)
}

// StartDebouncePruner periodically evicts stale debounce entries,
// addressing unbounded growth of the debounce table under sustained
// traffic. It runs in the calling goroutine and returns once stop is closed.
func (s *AgentState) StartDebouncePruner(interval time.Duration, maxAge func() time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			func() {
				defer func() { _ = recover() }()
				s.debounce.prune(time.Now(), maxAge())
			}()
		}
	}
}

// IncrementAggCount bumps the per-kind aggregate counter.
func (s *AgentState) IncrementAggCount(kind string) {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	s.aggCounts[kind]++
}

// IncrementDebouncedSkipped bumps the aggregate debounced-skip counter.
func (s *AgentState) IncrementDebouncedSkipped() {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	s.aggDebouncedSkipped++
}

// AggregateSnapshot captures and resets the aggregate window's counters
// under the aggregate lock, returning the window's start and the moment it
// ended (now).
type AggregateSnapshot struct {
	Counts           map[string]int64
	DebouncedSkipped int64
	WindowStart      time.Time
	WindowEnd        time.Time
}

func (s *AgentState) AggregateSnapshotAndReset() AggregateSnapshot {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()

	snap := AggregateSnapshot{
		Counts:           s.aggCounts,
		DebouncedSkipped: s.aggDebouncedSkipped,
		WindowStart:      s.aggWindowStart,
		WindowEnd:        time.Now(),
	}

	s.aggCounts = map[string]int64{"created": 0, "modified": 0, "deleted": 0}
	s.aggDebouncedSkipped = 0
	s.aggWindowStart = snap.WindowEnd

	return snap
}

// CommandRetryIncrement bumps and returns the retry count for a command file.
func (s *AgentState) CommandRetryIncrement(filename string) int {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.commandRetries[filename]++
	return s.commandRetries[filename]
}

// CommandRetryClear resets the retry count for a command file.
func (s *AgentState) CommandRetryClear(filename string) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	delete(s.commandRetries, filename)
}

// Snapshot is the deterministic, JSON-serializable view of AgentState used
// by both the status publisher and the "ping" command response.
type Snapshot struct {
	Alive        bool     `json:"alive"`
	PID          int      `json:"pid"`
	UptimeSec    int64    `json:"uptime_sec"`
	WatchPath    string   `json:"watch_path"`
	Recursive    bool     `json:"recursive"`
	Paused       bool     `json:"paused"`
	Ignored      []string `json:"ignored"`
	IgnoredExtra []string `json:"ignored_extra"`
	LastEventTS  *string  `json:"last_event_ts"`
	Version      string   `json:"version"`
}

// Snapshot returns a structural copy of the state with stable, sorted key
// ordering for its sets.
func (s *AgentState) Snapshot(version string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastEvent *string
	if s.lastEventTS != "" {
		ts := s.lastEventTS
		lastEvent = &ts
	}

	return Snapshot{
		Alive:        true,
		PID:          s.pid,
		UptimeSec:    int64(time.Since(s.startTime).Seconds()),
		WatchPath:    s.watchPath,
		Recursive:    s.recursive,
		Paused:       s.paused.Load(),
		Ignored:      config.SortedSet(s.ignoredPaths),
		IgnoredExtra: config.SortedSet(s.extraIgnoredPaths),
		LastEventTS:  lastEvent,
		Version:      version,
	}
}

func copySet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func unionSet(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// NormalizeKey lower-cases a relative path for use as a debounce key
// component, matching the case-insensitive key the original agent used so
// debouncing behaves consistently on case-insensitive filesystems.
func NormalizeKey(relPath string) string {
	return strings.ToLower(relPath)
}
