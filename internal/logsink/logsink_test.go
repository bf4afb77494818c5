package logsink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteEvent_TextFormat(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "events.log")
	jsonlPath := filepath.Join(dir, "events.jsonl")

	s, err := New(false, textPath, jsonlPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ts := time.Date(2026, 7, 30, 12, 34, 56, 789000000, time.UTC).Format(time.RFC3339Nano)
	rec := Record{TS: ts, Event: "created", PathRel: "a.txt", PathAbs: "/abs/a.txt"}

	if err := s.WriteEvent(rec, true, true); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	data, err := os.ReadFile(textPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := strings.TrimRight(string(data), "\n")
	want := "2026-07-30 12:34:56,789 - INFO - CREATED - a.txt"
	if line != want {
		t.Errorf("text log line = %q, want %q", line, want)
	}
}

func TestWriteEvent_JSONLFormat(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "events.log")
	jsonlPath := filepath.Join(dir, "events.jsonl")

	s, err := New(false, textPath, jsonlPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rec := Record{TS: "2026-07-30T12:34:56.789Z", Event: "created", PathRel: "a.txt", PathAbs: "/abs/a.txt"}
	if err := s.WriteEvent(rec, true, true); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	f, err := os.Open(jsonlPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one JSONL line")
	}

	var got Record
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.IsDir {
		t.Error("expected is_dir=false")
	}
	if got.PathRel != "a.txt" || got.Event != "created" {
		t.Errorf("got %+v", got)
	}
}

func TestWriteEvent_DisabledSinksSkipped(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "events.log")
	jsonlPath := filepath.Join(dir, "events.jsonl")

	s, err := New(false, textPath, jsonlPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rec := Record{TS: "2026-07-30T12:34:56.789Z", Event: "created", PathRel: "a.txt"}
	if err := s.WriteEvent(rec, false, false); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	info, err := os.Stat(textPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Error("expected text log to remain empty when disabled")
	}
}

func TestRotate_RenamesAndReopens(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "events.log")
	jsonlPath := filepath.Join(dir, "events.jsonl")

	s, err := New(false, textPath, jsonlPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rec := Record{TS: "2026-07-30T12:34:56.789Z", Event: "created", PathRel: "a.txt"}
	if err := s.WriteEvent(rec, true, true); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	now := time.Date(2026, 7, 30, 15, 0, 0, 0, time.UTC)
	rotatedText, rotatedJSONL, err := s.Rotate(now)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := os.Stat(rotatedText); err != nil {
		t.Errorf("expected rotated text file to exist: %v", err)
	}
	if _, err := os.Stat(rotatedJSONL); err != nil {
		t.Errorf("expected rotated jsonl file to exist: %v", err)
	}

	info, err := os.Stat(textPath)
	if err != nil {
		t.Fatalf("expected fresh text log after rotate: %v", err)
	}
	if info.Size() != 0 {
		t.Error("expected fresh text log to be empty immediately after rotate")
	}

	if err := s.WriteEvent(rec, true, true); err != nil {
		t.Fatalf("WriteEvent after rotate: %v", err)
	}
}
