package command

import (
	"strings"
	"time"

	"github.com/watchkeeper/fsagent/internal/config"
	"github.com/watchkeeper/fsagent/internal/state"
)

// Handler executes one op against shared state and returns the
// op-specific additions to the response. sinks may be nil if the log
// sinks failed to open; handlers that don't touch sinks ignore it.
type Handler func(st *state.AgentState, sinks SinkRotator, cmd File, version string) (ok bool, msg string, extra map[string]interface{})

// SinkRotator is the narrow interface CommandDispatcher's rotate_logs
// handler needs from the active sink set, kept separate from *logsink.Sinks
// so the registry package doesn't need to know about Pipeline's atomic
// sink-pointer plumbing.
type SinkRotator interface {
	Rotate(now time.Time) (rotatedText, rotatedJSONL string, err error)
}

// Registry is a name-keyed, case-insensitive table of op handlers,
// mirroring the teacher's plugin Registry but keyed by command op name
// instead of plugin name.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds the registry with every op the dispatcher supports
// wired in (§4.7's ops table).
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	r.Register("ping", handlePing)
	r.Register("pause", handlePause)
	r.Register("resume", handleResume)
	r.Register("set_ignored", handleSetIgnored)
	r.Register("add_ignored", handleAddIgnored)
	r.Register("clear_ignored", handleClearIgnored)
	r.Register("get_ignored", handleGetIgnored)
	r.Register("rotate_logs", handleRotateLogs)
	return r
}

// Register adds or replaces the handler for op (case-insensitive).
func (r *Registry) Register(op string, h Handler) {
	r.handlers[strings.ToLower(op)] = h
}

// Lookup returns the handler for op, or the unknown-op sentinel handler if
// none is registered, so callers always get a usable handler and never
// have to special-case a missing lookup.
func (r *Registry) Lookup(op string) Handler {
	if h, ok := r.handlers[strings.ToLower(op)]; ok {
		return h
	}
	return handleUnknown
}

func handlePing(st *state.AgentState, _ SinkRotator, _ File, version string) (bool, string, map[string]interface{}) {
	return true, "", map[string]interface{}{
		"pong":   true,
		"status": st.Snapshot(version),
	}
}

func handlePause(st *state.AgentState, _ SinkRotator, _ File, _ string) (bool, string, map[string]interface{}) {
	st.SetPaused(true)
	return true, "paused", nil
}

func handleResume(st *state.AgentState, _ SinkRotator, _ File, _ string) (bool, string, map[string]interface{}) {
	st.SetPaused(false)
	return true, "resumed", nil
}

func handleSetIgnored(st *state.AgentState, _ SinkRotator, cmd File, _ string) (bool, string, map[string]interface{}) {
	st.SetExtraIgnored(cmd.Paths, cmd.Globs)
	paths, globs := st.ExtraIgnored()
	return true, "ignored rules updated", map[string]interface{}{
		"ignored_paths": paths,
		"ignored_globs": globs,
	}
}

func handleAddIgnored(st *state.AgentState, _ SinkRotator, cmd File, _ string) (bool, string, map[string]interface{}) {
	st.AddExtraIgnored(cmd.Paths, cmd.Globs)
	paths, globs := st.ExtraIgnored()
	return true, "ignored rules added", map[string]interface{}{
		"ignored_paths": paths,
		"ignored_globs": globs,
	}
}

func handleClearIgnored(st *state.AgentState, _ SinkRotator, _ File, _ string) (bool, string, map[string]interface{}) {
	st.ClearExtraIgnored()
	return true, "ignored rules cleared", map[string]interface{}{
		"ignored_paths": []string{},
		"ignored_globs": []string{},
	}
}

func handleGetIgnored(st *state.AgentState, _ SinkRotator, _ File, _ string) (bool, string, map[string]interface{}) {
	cfg := st.Config()
	extraPaths, extraGlobs := st.ExtraIgnored()
	return true, "ignored rules returned", map[string]interface{}{
		"base_ignored_paths":   config.SortedSet(cfg.IgnorePaths),
		"base_ignored_globs":   config.SortedSet(cfg.IgnoreGlobs),
		"extra_ignored_paths":  extraPaths,
		"extra_ignored_globs":  extraGlobs,
	}
}

func handleRotateLogs(_ *state.AgentState, sinks SinkRotator, _ File, _ string) (bool, string, map[string]interface{}) {
	if sinks == nil {
		return false, "rotate failed: no active log sinks", nil
	}

	rotatedText, rotatedJSONL, err := sinks.Rotate(time.Now())
	if err != nil {
		return false, "rotate failed: " + err.Error(), nil
	}

	rotated := map[string]interface{}{}
	if rotatedText != "" {
		rotated["log"] = rotatedText
	}
	if rotatedJSONL != "" {
		rotated["jsonl"] = rotatedJSONL
	}
	return true, "logs rotated", map[string]interface{}{"rotated": rotated}
}

func handleUnknown(_ *state.AgentState, _ SinkRotator, _ File, _ string) (bool, string, map[string]interface{}) {
	return false, "unknown op", nil
}
