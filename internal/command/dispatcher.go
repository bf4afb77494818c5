package command

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watchkeeper/fsagent/internal/config"
	"github.com/watchkeeper/fsagent/internal/state"
)

// ageGate is the minimum file age before a command file is eligible for
// dispatch, guarding against reading a file mid-write.
const ageGate = 50 * time.Millisecond

// retryLimit is the number of failed load attempts before a command file
// is quarantined into invalid/.
const retryLimit = 3

// Dispatcher polls an inbox directory for *.json command files and
// executes each through the op registry.
type Dispatcher struct {
	st       *state.AgentState
	registry *Registry
	sinks    func() SinkRotator
	ledger   *Ledger
	version  string
}

// New constructs a Dispatcher. sinksFn returns the currently active sink
// set (so rotate_logs always operates on the live sinks, even after a
// config reload rebuilds them). ledger may be nil when command_ledger is
// disabled.
func New(st *state.AgentState, sinksFn func() SinkRotator, ledger *Ledger, version string) *Dispatcher {
	return &Dispatcher{
		st:       st,
		registry: NewRegistry(),
		sinks:    sinksFn,
		ledger:   ledger,
		version:  version,
	}
}

// Run blocks until ctx is canceled, polling the inbox at the current
// config's command_poll_interval. It re-reads the config on every tick so
// a reload that disables commands, or changes the poll interval, takes
// effect on the next iteration rather than requiring a worker restart.
// A poll that panics is followed by a fixed 1 s wait instead of the poll
// interval.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		cfg := d.st.Config()
		if !cfg.CommandsEnabled {
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		if d.tickWithRecover(cfg) {
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		interval := time.Duration(cfg.EffectiveCommandPollInterval() * float64(time.Second))
		if !sleepOrDone(ctx, interval) {
			return
		}
	}
}

func (d *Dispatcher) tickWithRecover(cfg *config.RuntimeConfig) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "command_dispatcher").Interface("panic", r).Msg("command poll tick panicked")
			panicked = true
		}
	}()
	d.pollOnce(cfg)
	return false
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

func (d *Dispatcher) pollOnce(cfg *config.RuntimeConfig) {
	inbox := cfg.InboxDir
	outbox := cfg.OutboxDir
	processedDir := filepath.Join(inbox, "processed")
	invalidDir := filepath.Join(inbox, "invalid")

	for _, dir := range []string{inbox, outbox, processedDir, invalidDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Str("component", "command_dispatcher").Str("dir", dir).Msg("failed to ensure command directory")
			return
		}
	}

	entries, err := os.ReadDir(inbox)
	if err != nil {
		log.Error().Err(err).Str("component", "command_dispatcher").Msg("failed to read inbox")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		d.processFile(inbox, outbox, processedDir, invalidDir, entry.Name())
	}
}

func (d *Dispatcher) processFile(inbox, outbox, processedDir, invalidDir, filename string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "command_dispatcher").Str("file", filename).Interface("panic", r).Msg("command processing panicked")
		}
	}()

	path := filepath.Join(inbox, filename)
	info, err := os.Stat(path)
	if err != nil {
		return // file may have been removed by a concurrent operator action
	}
	if time.Since(info.ModTime()) < ageGate {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		d.handleLoadFailure(path, invalidDir, filename, "read_error", err)
		return
	}

	var cmd File
	if err := json.Unmarshal(data, &cmd); err != nil {
		d.handleLoadFailure(path, invalidDir, filename, "json_decode", err)
		return
	}

	d.st.CommandRetryClear(filename)

	correlationID := cmd.ID
	if correlationID == "" {
		correlationID = strings.TrimSuffix(filename, ".json")
	}
	op := strings.ToLower(cmd.Op)

	handler := d.registry.Lookup(op)
	var sinkRotator SinkRotator
	if d.sinks != nil {
		sinkRotator = d.sinks()
	}

	dispatchID := uuid.NewString()
	ok, msg, extra := handler(d.st, sinkRotator, cmd, d.version)

	log.Info().
		Str("component", "command_dispatcher").
		Str("dispatch_id", dispatchID).
		Str("id", correlationID).
		Str("op", op).
		Bool("ok", ok).
		Msg("command dispatched")

	resp := Response{ID: correlationID, Op: op, TS: time.Now(), OK: ok, Msg: msg, Extra: extra}
	respPath := filepath.Join(outbox, correlationID+".response.json")
	if err := writeJSONAtomic(respPath, resp.toMap()); err != nil {
		log.Error().Err(err).Str("component", "command_dispatcher").Msg("failed to write command response")
	}

	d.finalize(path, processedDir, filename)

	if d.ledger != nil {
		if err := d.ledger.Record(correlationID, op, time.Now(), ok, msg, filename); err != nil {
			log.Error().Err(err).Str("component", "command_dispatcher").Msg("failed to record ledger entry")
		}
	}
}

func (d *Dispatcher) handleLoadFailure(srcPath, invalidDir, filename, kind string, cause error) {
	count := d.st.CommandRetryIncrement(filename)
	if count < retryLimit {
		return
	}

	d.quarantine(srcPath, invalidDir, filename, kind, cause)
	d.st.CommandRetryClear(filename)
}

func (d *Dispatcher) quarantine(srcPath, invalidDir, filename, kind string, cause error) {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	errPath := filepath.Join(invalidDir, stem+".error.json")
	rec := errorRecord{
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Filename: filename,
		Error:    kind,
		Msg:      cause.Error(),
	}
	data, _ := json.Marshal(rec)
	if err := writeJSONAtomicBytes(errPath, data); err != nil {
		log.Error().Err(err).Str("component", "command_dispatcher").Msg("failed to write quarantine error record")
	}

	dest := filepath.Join(invalidDir, filename)
	if err := os.Rename(srcPath, dest); err != nil {
		if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Error().Err(rmErr).Str("component", "command_dispatcher").Msg("failed to quarantine command file")
		}
	}
}

func (d *Dispatcher) finalize(srcPath, processedDir, filename string) {
	dest := filepath.Join(processedDir, filename+".done")
	if err := os.Rename(srcPath, dest); err != nil {
		if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Error().Err(rmErr).Str("component", "command_dispatcher").Msg("failed to finalize command file")
		}
	}
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeJSONAtomicBytes(path, data)
}

func writeJSONAtomicBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
