// Package eventpipe implements the EventFilterPipeline: the ordered,
// individually-recoverable sequence of stages that turns a raw watcher
// notification into a filtered, possibly-debounced emission to the log
// sinks and aggregate counters. The stage/recover shape mirrors the
// teacher's pipeline.Chain, generalized from HTTP middleware to filesystem
// events.
package eventpipe

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	"github.com/watchkeeper/fsagent/internal/logsink"
	"github.com/watchkeeper/fsagent/internal/state"
	"github.com/watchkeeper/fsagent/internal/watcher"
)

// pctx carries one event's working data through the stage sequence. Stages
// mutate it in place and signal "stop processing" by returning drop=true.
type pctx struct {
	kind     string
	rawPath  string
	isDir    bool
	absPath  string
	relPath  string
	now      time.Time
}

type stage struct {
	name string
	fn   func(p *Pipeline, c *pctx) (drop bool)
}

// Pipeline is the EventFilterPipeline. It holds no per-event state of its
// own; all durable state lives in AgentState, and the active sink set is
// held behind an atomic pointer so a config reload can replace it (e.g.
// after a path change) without a pipeline restart.
type Pipeline struct {
	st       *state.AgentState
	sinksPtr atomic.Pointer[logsink.Sinks]
	stages   []stage
}

// New constructs a Pipeline bound to the given AgentState and initial
// sinks.
func New(st *state.AgentState, sinks *logsink.Sinks) *Pipeline {
	p := &Pipeline{st: st}
	p.sinksPtr.Store(sinks)
	p.stages = []stage{
		{"directory_filter", (*Pipeline).stageDirectoryFilter},
		{"kind_filter", (*Pipeline).stageKindFilter},
		{"pause_gate", (*Pipeline).stagePauseGate},
		{"normalize", (*Pipeline).stageNormalize},
		{"ignore_match", (*Pipeline).stageIgnoreMatch},
		{"debounce", (*Pipeline).stageDebounce},
		{"emit", (*Pipeline).stageEmit},
		{"account", (*Pipeline).stageAccount},
	}
	return p
}

// SetSinks atomically replaces the active sink set, used after a config
// reload rebuilds the sinks. rotate_logs does not call it: Sinks.Rotate
// reopens the files inside the existing sink set.
func (p *Pipeline) SetSinks(sinks *logsink.Sinks) {
	p.sinksPtr.Store(sinks)
}

func (p *Pipeline) sinks() *logsink.Sinks {
	return p.sinksPtr.Load()
}

// Handle runs one raw watcher event through every stage in order. Each
// stage is wrapped in its own recover boundary: a panic inside a stage
// (e.g. a malformed glob pattern) degrades to "drop this event" and is
// logged, never propagating to the watcher goroutine.
func (p *Pipeline) Handle(evt watcher.Event) {
	c := &pctx{
		kind:    string(evt.Kind),
		rawPath: evt.Path,
		isDir:   evt.IsDir,
		now:     time.Now(),
	}

	for _, st := range p.stages {
		if p.runStage(st, c) {
			return
		}
	}
}

func (p *Pipeline) runStage(st stage, c *pctx) (drop bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "event_pipeline").
				Str("stage", st.name).
				Interface("panic", r).
				Msg("pipeline stage panicked, dropping event")
			drop = true
		}
	}()
	return st.fn(p, c)
}

func (p *Pipeline) stageDirectoryFilter(c *pctx) bool {
	return c.isDir
}

func (p *Pipeline) stageKindFilter(c *pctx) bool {
	cfg := p.st.Config()
	_, ok := cfg.EventTypes[c.kind]
	return !ok
}

func (p *Pipeline) stagePauseGate(c *pctx) bool {
	return p.st.Paused()
}

func (p *Pipeline) stageNormalize(c *pctx) bool {
	abs, err := normalizePath(c.rawPath)
	if err != nil {
		// Fail-open: normalization failure does not drop the event, it
		// just can't be ignore-matched reliably. We still try to emit it.
		c.absPath = c.rawPath
		c.relPath = c.rawPath
		return false
	}
	c.absPath = abs

	watchPath := p.st.WatchPath()
	rel, err := filepath.Rel(watchPath, abs)
	if err != nil {
		c.relPath = abs
		return false
	}
	c.relPath = filepath.ToSlash(rel)
	return false
}

func (p *Pipeline) stageIgnoreMatch(c *pctx) bool {
	paths, globs := p.st.CombinedIgnores()

	for ip := range paths {
		if isSameOrAncestor(ip, c.absPath) {
			return true
		}
	}

	for pattern := range globs {
		if ok, _ := doublestar.Match(pattern, c.relPath); ok {
			return true
		}
	}

	return false
}

func (p *Pipeline) stageDebounce(c *pctx) bool {
	cfg := p.st.Config()
	if cfg.DebounceMS <= 0 {
		return false
	}
	window := time.Duration(cfg.DebounceMS) * time.Millisecond
	key := state.NormalizeKey(c.relPath)
	if p.st.CheckDebounce(c.kind, key, c.now, window) {
		p.st.IncrementDebouncedSkipped()
		return true
	}
	return false
}

func (p *Pipeline) stageEmit(c *pctx) bool {
	cfg := p.st.Config()
	sinks := p.sinks()
	if sinks == nil {
		return false
	}

	rec := logsink.Record{
		TS:      c.now.UTC().Format(time.RFC3339Nano),
		Event:   c.kind,
		PathRel: c.relPath,
		PathAbs: c.absPath,
		IsDir:   false,
	}

	if err := sinks.WriteEvent(rec, cfg.TextLog, cfg.JSONLLog); err != nil {
		log.Error().Err(err).Str("component", "event_pipeline").Msg("failed to write event to sinks")
	}

	return false
}

func (p *Pipeline) stageAccount(c *pctx) bool {
	p.st.IncrementAggCount(c.kind)
	p.st.UpdateLastEvent(c.now.UTC().Format(time.RFC3339Nano))
	return false
}

// normalizePath strips a Windows extended-length prefix (if present) and
// resolves the path to a clean absolute form.
func normalizePath(raw string) (string, error) {
	s := raw
	if strings.HasPrefix(s, `\\?\`) {
		s = s[4:]
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", raw, err)
	}
	return filepath.Clean(abs), nil
}

// isSameOrAncestor reports whether candidate is equal to ancestor or lives
// beneath it, comparing whole path components rather than raw string
// prefixes. This is what prevents "/a/b" from being mistaken for an
// ancestor of "/a/bc" under a naive strings.HasPrefix check.
func isSameOrAncestor(ancestor, candidate string) bool {
	ancestor = filepath.Clean(ancestor)
	candidate = filepath.Clean(candidate)

	if ancestor == candidate {
		return true
	}

	ancestorParts := splitPath(ancestor)
	candidateParts := splitPath(candidate)

	if len(candidateParts) < len(ancestorParts) {
		return false
	}
	for i, part := range ancestorParts {
		if candidateParts[i] != part {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = filepath.ToSlash(p)
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
