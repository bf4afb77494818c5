package command

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenLedger_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer l.Close()

	entries, err := l.Tail(10)
	if err != nil {
		t.Fatalf("Tail on empty ledger: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestLedger_RecordAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer l.Close()

	now := time.Now()
	if err := l.Record("cmd-1", "ping", now, true, "", "cmd-1.json"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record("cmd-2", "pause", now.Add(time.Second), true, "paused", "cmd-2.json"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record("cmd-3", "bogus", now.Add(2*time.Second), false, "unknown op", "cmd-3.json"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := l.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CommandID != "cmd-2" || entries[1].CommandID != "cmd-3" {
		t.Errorf("expected oldest-first order [cmd-2, cmd-3], got [%s, %s]", entries[0].CommandID, entries[1].CommandID)
	}
	if entries[1].OK {
		t.Error("expected cmd-3 to record ok=false")
	}
}

func TestOpenLedger_ReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := l.Record("cmd-1", "ping", time.Now(), true, "", "cmd-1.json"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reopen OpenLedger: %v", err)
	}
	defer l2.Close()

	entries, err := l2.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 1 || entries[0].CommandID != "cmd-1" {
		t.Fatalf("expected preserved entry, got %+v", entries)
	}
}

func TestLedger_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
