package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReloader_InstallsOnFileChange(t *testing.T) {
	agentDir := t.TempDir()
	projectRoot := t.TempDir()

	writeConfigFile(t, agentDir, "features:\n  debounce_ms: 0\n")

	installed := make(chan *RuntimeConfig, 4)
	r := NewReloader(agentDir, projectRoot, CLIOverrides{}, func(cfg *RuntimeConfig) {
		installed <- cfg
	})
	r.Seed()

	// Touch the file with new content and an advanced mtime so the next
	// tick detects a change regardless of filesystem mtime granularity.
	writeConfigFile(t, agentDir, "features:\n  debounce_ms: 500\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(agentDir, DefaultConfigFilename), future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	r.tick()

	select {
	case cfg := <-installed:
		if cfg.DebounceMS != 500 {
			t.Errorf("DebounceMS = %v, want 500", cfg.DebounceMS)
		}
	default:
		t.Fatal("expected install callback to fire after mtime change")
	}
}

func TestReloader_NoReloadWhenMtimeUnchanged(t *testing.T) {
	agentDir := t.TempDir()
	projectRoot := t.TempDir()
	writeConfigFile(t, agentDir, "features:\n  debounce_ms: 0\n")

	calls := 0
	r := NewReloader(agentDir, projectRoot, CLIOverrides{}, func(cfg *RuntimeConfig) {
		calls++
	})
	r.Seed()
	r.tick()
	r.tick()

	if calls != 0 {
		t.Errorf("install called %d times, want 0 when mtime unchanged", calls)
	}
}

func TestReloader_RunStopsOnContextCancel(t *testing.T) {
	agentDir := t.TempDir()
	projectRoot := t.TempDir()

	r := NewReloader(agentDir, projectRoot, CLIOverrides{}, func(cfg *RuntimeConfig) {})
	r.Seed()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
