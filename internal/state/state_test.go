package state

import (
	"testing"
	"time"

	"github.com/watchkeeper/fsagent/internal/config"
)

func testConfig(t *testing.T) *config.RuntimeConfig {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir, t.TempDir(), config.CLIOverrides{})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestNew_SnapshotReflectsConfig(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg)

	snap := s.Snapshot("1.0.0")
	if snap.WatchPath != cfg.WatchPath {
		t.Errorf("WatchPath = %q, want %q", snap.WatchPath, cfg.WatchPath)
	}
	if !snap.Alive {
		t.Error("expected Alive=true")
	}
	if snap.LastEventTS != nil {
		t.Errorf("expected nil LastEventTS before any event, got %v", *snap.LastEventTS)
	}
}

func TestUpdateLastEvent(t *testing.T) {
	s := New(testConfig(t))
	s.UpdateLastEvent("2026-07-30T00:00:00Z")

	snap := s.Snapshot("1.0.0")
	if snap.LastEventTS == nil || *snap.LastEventTS != "2026-07-30T00:00:00Z" {
		t.Errorf("LastEventTS = %v, want 2026-07-30T00:00:00Z", snap.LastEventTS)
	}
}

func TestPauseResume(t *testing.T) {
	s := New(testConfig(t))
	if s.Paused() {
		t.Fatal("expected not paused initially")
	}
	s.SetPaused(true)
	if !s.Paused() {
		t.Fatal("expected paused after SetPaused(true)")
	}
}

func TestExtraIgnored_SetAddClear(t *testing.T) {
	s := New(testConfig(t))

	s.SetExtraIgnored([]string{"/a"}, []string{"*.tmp"})
	paths, globs := s.ExtraIgnored()
	if len(paths) != 1 || paths[0] != "/a" {
		t.Errorf("paths = %v, want [/a]", paths)
	}
	if len(globs) != 1 || globs[0] != "*.tmp" {
		t.Errorf("globs = %v, want [*.tmp]", globs)
	}

	s.AddExtraIgnored([]string{"/b"}, []string{"*.bak"})
	paths, globs = s.ExtraIgnored()
	if len(paths) != 2 || len(globs) != 2 {
		t.Errorf("expected 2 paths and 2 globs after Add, got %v / %v", paths, globs)
	}

	s.ClearExtraIgnored()
	paths, globs = s.ExtraIgnored()
	if len(paths) != 0 || len(globs) != 0 {
		t.Errorf("expected empty sets after Clear, got %v / %v", paths, globs)
	}
}

func TestCombinedIgnores(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg)
	s.SetExtraIgnored([]string{"/extra"}, []string{"*.extra"})

	paths, globs := s.CombinedIgnores()
	if _, ok := paths["/extra"]; !ok {
		t.Error("expected /extra in combined ignore paths")
	}
	if _, ok := globs["*.extra"]; !ok {
		t.Error("expected *.extra in combined ignore globs")
	}
	for p := range cfg.IgnorePaths {
		if _, ok := paths[p]; !ok {
			t.Errorf("expected config ignore path %q in combined set", p)
		}
	}
}

func TestCheckDebounce(t *testing.T) {
	s := New(testConfig(t))
	now := time.Now()

	if s.CheckDebounce("created", "foo.txt", now, 100*time.Millisecond) {
		t.Fatal("first occurrence should never be debounced")
	}
	if !s.CheckDebounce("created", "foo.txt", now.Add(10*time.Millisecond), 100*time.Millisecond) {
		t.Fatal("second occurrence within window should be debounced")
	}
	if s.CheckDebounce("created", "foo.txt", now.Add(200*time.Millisecond), 100*time.Millisecond) {
		t.Fatal("occurrence after window elapses should not be debounced")
	}
}

func TestCheckDebounce_ZeroWindowNeverDebounces(t *testing.T) {
	s := New(testConfig(t))
	now := time.Now()
	if s.CheckDebounce("created", "foo.txt", now, 0) {
		t.Fatal("zero window should never debounce")
	}
	if s.CheckDebounce("created", "foo.txt", now, 0) {
		t.Fatal("zero window should never debounce, even on repeat")
	}
}

func TestAggregateSnapshotAndReset(t *testing.T) {
	s := New(testConfig(t))
	s.IncrementAggCount("created")
	s.IncrementAggCount("created")
	s.IncrementAggCount("modified")
	s.IncrementDebouncedSkipped()

	snap := s.AggregateSnapshotAndReset()
	if snap.Counts["created"] != 2 {
		t.Errorf("created count = %d, want 2", snap.Counts["created"])
	}
	if snap.Counts["modified"] != 1 {
		t.Errorf("modified count = %d, want 1", snap.Counts["modified"])
	}
	if snap.DebouncedSkipped != 1 {
		t.Errorf("DebouncedSkipped = %d, want 1", snap.DebouncedSkipped)
	}

	// A second snapshot immediately after should show a reset state.
	snap2 := s.AggregateSnapshotAndReset()
	if snap2.Counts["created"] != 0 || snap2.DebouncedSkipped != 0 {
		t.Error("expected counters reset after snapshot")
	}
}

func TestCommandRetries(t *testing.T) {
	s := New(testConfig(t))

	if got := s.CommandRetryIncrement("cmd1.json"); got != 1 {
		t.Errorf("first increment = %d, want 1", got)
	}
	if got := s.CommandRetryIncrement("cmd1.json"); got != 2 {
		t.Errorf("second increment = %d, want 2", got)
	}
	s.CommandRetryClear("cmd1.json")
	if got := s.CommandRetryIncrement("cmd1.json"); got != 1 {
		t.Errorf("increment after clear = %d, want 1", got)
	}
}

func TestUpdateConfig_RefreshesDerivedFields(t *testing.T) {
	cfg1 := testConfig(t)
	s := New(cfg1)

	cfg2 := testConfig(t)
	cfg2.Recursive = false
	s.UpdateConfig(cfg2)

	if s.Recursive() {
		t.Error("expected Recursive() to reflect updated config")
	}
	if s.WatchPath() != cfg2.WatchPath {
		t.Errorf("WatchPath() = %q, want %q", s.WatchPath(), cfg2.WatchPath)
	}
}

func TestStartDebouncePruner_StopsOnSignal(t *testing.T) {
	s := New(testConfig(t))
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		s.StartDebouncePruner(10*time.Millisecond, func() time.Duration { return time.Second }, stop)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop after signal")
	}
}
