// Package aggregate implements the Aggregator worker: a periodic rollup of
// the event counters AgentState accumulates between windows, appended to
// the JSONL sink as a single "aggregate" record.
package aggregate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watchkeeper/fsagent/internal/config"
	"github.com/watchkeeper/fsagent/internal/logsink"
	"github.com/watchkeeper/fsagent/internal/state"
)

// minWindow is the floor applied to the aggregator's wait interval,
// regardless of how small aggregate_window_ms is configured.
const minWindow = 100 * time.Millisecond

// retryDelay is how long the aggregator waits before its next attempt
// after a tick panics, instead of the normal window wait.
const retryDelay = time.Second

// Aggregator periodically snapshots and resets AgentState's aggregate
// counters, appending a rollup record when anything happened in the window.
type Aggregator struct {
	st    *state.AgentState
	sinks func() *logsink.Sinks
}

// New constructs an Aggregator. sinksFn is called on each tick so the
// aggregator always writes through whatever sink set is currently active
// (a config reload may replace it between ticks).
func New(st *state.AgentState, sinksFn func() *logsink.Sinks) *Aggregator {
	return &Aggregator{st: st, sinks: sinksFn}
}

// Enabled reports whether the aggregator should run at all, per its
// enablement contract: aggregate_window_ms > 0 and JSONL logging enabled.
func Enabled(windowMS float64, jsonlEnabled bool) bool {
	return windowMS > 0 && jsonlEnabled
}

// Run blocks, producing one rollup per window until ctx is canceled. The
// wait interval and include-debounced flag are read fresh from AgentState's
// current config on every iteration, so a reload changing the window takes
// effect without restarting the worker.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		cfg := a.st.Config()
		if !Enabled(cfg.AggregateWindowMS, cfg.JSONLLog) {
			if !sleepOrDone(ctx, minWindow) {
				return
			}
			continue
		}

		wait := time.Duration(cfg.AggregateWindowMS) * time.Millisecond
		if wait < minWindow {
			wait = minWindow
		}
		if !sleepOrDone(ctx, wait) {
			return
		}

		if a.tickWithRecover(cfg) {
			if !sleepOrDone(ctx, retryDelay) {
				return
			}
		}
	}
}

// tickWithRecover runs tick under a recover boundary so a panic inside
// AggregateSnapshotAndReset or WriteAggregate is caught and logged instead
// of crashing the aggregator goroutine, matching the recover discipline
// the command dispatcher applies around its own poll tick.
func (a *Aggregator) tickWithRecover(cfg *config.RuntimeConfig) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "aggregator").Interface("panic", r).Msg("aggregate tick panicked")
			panicked = true
		}
	}()
	a.tick(cfg)
	return false
}

func (a *Aggregator) tick(cfg *config.RuntimeConfig) {
	snap := a.st.AggregateSnapshotAndReset()

	var total int64
	for _, v := range snap.Counts {
		total += v
	}
	if total == 0 {
		return
	}

	sinks := a.sinks()
	if sinks == nil {
		return
	}

	rec := logsink.AggregateRecord{
		TS:            snap.WindowEnd.UTC().Format(time.RFC3339Nano),
		Event:         "aggregate",
		WindowMS:      int64(cfg.AggregateWindowMS),
		WindowStartTS: snap.WindowStart.UTC().Format(time.RFC3339Nano),
		WindowEndTS:   snap.WindowEnd.UTC().Format(time.RFC3339Nano),
		Counts:        snap.Counts,
	}
	if cfg.AggregateIncludeDebounced {
		skipped := snap.DebouncedSkipped
		rec.DebouncedSkipped = &skipped
	}

	if err := sinks.WriteAggregate(rec); err != nil {
		log.Error().Err(err).Str("component", "aggregator").Msg("failed to write aggregate record")
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
