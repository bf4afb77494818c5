package command

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/watchkeeper/fsagent/internal/config"
	"github.com/watchkeeper/fsagent/internal/state"
)

func testDispatcher(t *testing.T) (*Dispatcher, *state.AgentState, *config.RuntimeConfig) {
	t.Helper()
	agentDir := t.TempDir()
	cfg, err := config.Load(agentDir, t.TempDir(), config.CLIOverrides{})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.CommandsEnabled = true
	cfg.InboxDir = filepath.Join(agentDir, "commands", "inbox")
	cfg.OutboxDir = filepath.Join(agentDir, "commands", "outbox")

	st := state.New(cfg)
	d := New(st, func() SinkRotator { return nil }, nil, "1.0.0")
	return d, st, cfg
}

func writeCommandFile(t *testing.T, inbox, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(inbox, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// Back-date the file so the age gate doesn't skip it in tests.
	old := time.Now().Add(-time.Second)
	os.Chtimes(path, old, old)
	return path
}

func TestPollOnce_PingProducesResponse(t *testing.T) {
	d, _, cfg := testDispatcher(t)
	writeCommandFile(t, cfg.InboxDir, "cmd1.json", `{"id":"cmd1","op":"ping"}`)

	d.pollOnce(cfg)

	respPath := filepath.Join(cfg.OutboxDir, "cmd1.response.json")
	data, err := os.ReadFile(respPath)
	if err != nil {
		t.Fatalf("ReadFile response: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp["pong"] != true {
		t.Errorf("expected pong=true, got %v", resp["pong"])
	}
	if resp["ok"] != true {
		t.Errorf("expected ok=true, got %v", resp["ok"])
	}

	doneFile := filepath.Join(cfg.InboxDir, "processed", "cmd1.json.done")
	if _, err := os.Stat(doneFile); err != nil {
		t.Errorf("expected command file moved to processed/: %v", err)
	}
}

func TestPollOnce_UnknownOp(t *testing.T) {
	d, _, cfg := testDispatcher(t)
	writeCommandFile(t, cfg.InboxDir, "cmd2.json", `{"id":"cmd2","op":"frobnicate"}`)

	d.pollOnce(cfg)

	data, err := os.ReadFile(filepath.Join(cfg.OutboxDir, "cmd2.response.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var resp map[string]interface{}
	json.Unmarshal(data, &resp)
	if resp["ok"] != false || resp["msg"] != "unknown op" {
		t.Errorf("got %+v", resp)
	}
}

func TestPollOnce_PauseResume(t *testing.T) {
	d, st, cfg := testDispatcher(t)
	writeCommandFile(t, cfg.InboxDir, "p1.json", `{"op":"pause"}`)
	d.pollOnce(cfg)
	if !st.Paused() {
		t.Fatal("expected paused after pause op")
	}

	writeCommandFile(t, cfg.InboxDir, "p2.json", `{"op":"resume"}`)
	d.pollOnce(cfg)
	if st.Paused() {
		t.Fatal("expected not paused after resume op")
	}
}

func TestPollOnce_MalformedJSONQuarantinedAfterRetries(t *testing.T) {
	d, _, cfg := testDispatcher(t)
	path := writeCommandFile(t, cfg.InboxDir, "bad.json", `{not valid json`)

	for i := 0; i < retryLimit; i++ {
		os.Chtimes(path, time.Now().Add(-time.Second), time.Now().Add(-time.Second))
		d.pollOnce(cfg)
	}

	invalidPath := filepath.Join(cfg.InboxDir, "invalid", "bad.json")
	if _, err := os.Stat(invalidPath); err != nil {
		t.Errorf("expected file quarantined to invalid/ after %d retries: %v", retryLimit, err)
	}
	errPath := filepath.Join(cfg.InboxDir, "invalid", "bad.error.json")
	if _, err := os.Stat(errPath); err != nil {
		t.Errorf("expected error record written: %v", err)
	}
}

func TestPollOnce_AgeGateSkipsFreshFile(t *testing.T) {
	d, _, cfg := testDispatcher(t)
	if err := os.MkdirAll(cfg.InboxDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(cfg.InboxDir, "fresh.json")
	if err := os.WriteFile(path, []byte(`{"op":"ping"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// file mtime is "now" -- within the age gate.

	d.pollOnce(cfg)

	if _, err := os.Stat(path); err != nil {
		t.Error("expected fresh file to remain untouched by this poll cycle")
	}
}

func TestPollOnce_SetIgnoredAndGetIgnored(t *testing.T) {
	d, st, cfg := testDispatcher(t)
	writeCommandFile(t, cfg.InboxDir, "si.json", `{"op":"set_ignored","paths":["/a"],"globs":["*.tmp"]}`)
	d.pollOnce(cfg)

	paths, globs := st.ExtraIgnored()
	if len(paths) != 1 || len(globs) != 1 {
		t.Fatalf("expected extra ignores set, got paths=%v globs=%v", paths, globs)
	}

	writeCommandFile(t, cfg.InboxDir, "gi.json", `{"op":"get_ignored"}`)
	d.pollOnce(cfg)

	data, err := os.ReadFile(filepath.Join(cfg.OutboxDir, "gi.response.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var resp map[string]interface{}
	json.Unmarshal(data, &resp)
	if resp["extra_ignored_paths"] == nil {
		t.Error("expected extra_ignored_paths in get_ignored response")
	}
}
