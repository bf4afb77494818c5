// Package status implements the StatusPublisher worker: periodically
// writes an atomic snapshot of AgentState to status.json.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/watchkeeper/fsagent/internal/state"
	"github.com/watchkeeper/fsagent/internal/workerloop"
)

// Publisher periodically writes AgentState's snapshot to a status file.
type Publisher struct {
	st      *state.AgentState
	version string
}

// New constructs a Publisher.
func New(st *state.AgentState, version string) *Publisher {
	return &Publisher{st: st, version: version}
}

// Run blocks, publishing a snapshot every interval until ctx is canceled.
// enabled and path are read fresh from AgentState's current config on each
// tick, so a config reload that disables the status feature or moves the
// path takes effect on the next tick without restarting the worker.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	workerloop.Run(ctx, "status_publisher", interval, func(ctx context.Context) error {
		cfg := p.st.Config()
		if !cfg.StatusEnabled {
			return nil
		}
		return p.publishOnce(cfg.StatusPath)
	})
}

func (p *Publisher) publishOnce(path string) error {
	snap := p.st.Snapshot(p.version)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling status snapshot: %w", err)
	}
	return writeAtomic(path, data)
}

// writeAtomic writes data to path via a temp-file-then-rename sequence so
// a reader never observes a partially written status.json.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating status directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming status file into place: %w", err)
	}
	return nil
}
