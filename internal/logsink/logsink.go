// Package logsink implements the event-facing output sinks: console,
// text log, and JSONL log. These are distinct from the ambient zerolog
// diagnostics logger — they carry the agent's mandated wire formats and
// are written directly, append-only, serialized through a mutex rather
// than relying on raw O_APPEND atomicity across goroutines.
package logsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is a single filtered filesystem event as written to the JSONL
// sink and echoed to the text/console sinks.
type Record struct {
	TS       string `json:"ts"`
	Event    string `json:"event"`
	PathRel  string `json:"path_rel"`
	PathAbs  string `json:"path_abs"`
	IsDir    bool   `json:"is_dir"`
}

// AggregateRecord is the periodic rollup record the Aggregator appends to
// the JSONL sink.
type AggregateRecord struct {
	TS               string           `json:"ts"`
	Event            string           `json:"event"`
	WindowMS         int64            `json:"window_ms"`
	WindowStartTS    string           `json:"window_start_ts"`
	WindowEndTS      string           `json:"window_end_ts"`
	Counts           map[string]int64 `json:"counts"`
	DebouncedSkipped *int64           `json:"debounced_skipped,omitempty"`
}

// Sinks bundles the three output handlers the pipeline writes to. Any
// subset may be nil/disabled; callers check the enabled fields on
// RuntimeConfig before calling through.
type Sinks struct {
	mu        sync.Mutex
	console   bool
	textPath  string
	jsonlPath string
	textFile  *os.File
	jsonlFile *os.File
}

// New opens (creating as needed) the text and JSONL log files. console
// controls whether WriteEvent also prints a human-readable line to stdout.
func New(console bool, textPath, jsonlPath string) (*Sinks, error) {
	s := &Sinks{console: console, textPath: textPath, jsonlPath: jsonlPath}
	if err := s.openFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sinks) openFiles() error {
	if s.textPath != "" {
		f, err := openAppend(s.textPath)
		if err != nil {
			return fmt.Errorf("opening text log %s: %w", s.textPath, err)
		}
		s.textFile = f
	}
	if s.jsonlPath != "" {
		f, err := openAppend(s.jsonlPath)
		if err != nil {
			return fmt.Errorf("opening jsonl log %s: %w", s.jsonlPath, err)
		}
		s.jsonlFile = f
	}
	return nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// WriteEvent writes one filtered event to whichever of console/text/jsonl
// are enabled. enableText and enableJSONL gate the respective file sinks
// independently of whether this Sinks was constructed with a path for
// them (both must be true for a write to occur).
func (s *Sinks) WriteEvent(rec Record, enableText, enableJSONL bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.console {
		fmt.Printf("File: %s\nChange: %s\n", rec.PathRel, rec.Event)
	}

	if enableText && s.textFile != nil {
		line := fmt.Sprintf("%s - INFO - %s - %s\n", textTimestamp(rec.TS), strings.ToUpper(rec.Event), rec.PathRel)
		if _, err := s.textFile.WriteString(line); err != nil {
			return fmt.Errorf("writing text log: %w", err)
		}
	}

	if enableJSONL && s.jsonlFile != nil {
		if err := writeJSONLLine(s.jsonlFile, rec); err != nil {
			return fmt.Errorf("writing jsonl log: %w", err)
		}
	}

	return nil
}

// WriteAggregate appends one aggregate rollup record to the JSONL sink.
func (s *Sinks) WriteAggregate(rec AggregateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jsonlFile == nil {
		return nil
	}
	return writeJSONLLine(s.jsonlFile, rec)
}

func writeJSONLLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// textTimestamp converts a UTC ISO-8601 timestamp (RFC3339 with
// milliseconds) into the mandated text-log format:
// "YYYY-MM-DD HH:MM:SS,mmm".
func textTimestamp(iso string) string {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return iso
	}
	return t.UTC().Format("2006-01-02 15:04:05,000")
}

// Rotate closes the text/jsonl files (if open), renames them to
// "<stem>.<YYYYMMDD-HHMMSS><suffix>", and reopens fresh files at the
// original paths. It returns the paths the old files were renamed to, for
// inclusion in the rotate_logs command response.
func (s *Sinks) Rotate(now time.Time) (rotatedText, rotatedJSONL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := now.UTC().Format("20060102-150405")

	if s.textFile != nil {
		s.textFile.Close()
		rotatedText = rotatedName(s.textPath, stamp)
		if err := os.Rename(s.textPath, rotatedText); err != nil {
			return "", "", fmt.Errorf("rotating text log: %w", err)
		}
		f, err := openAppend(s.textPath)
		if err != nil {
			return "", "", fmt.Errorf("reopening text log: %w", err)
		}
		s.textFile = f
	}

	if s.jsonlFile != nil {
		s.jsonlFile.Close()
		rotatedJSONL = rotatedName(s.jsonlPath, stamp)
		if err := os.Rename(s.jsonlPath, rotatedJSONL); err != nil {
			return rotatedText, "", fmt.Errorf("rotating jsonl log: %w", err)
		}
		f, err := openAppend(s.jsonlPath)
		if err != nil {
			return rotatedText, "", fmt.Errorf("reopening jsonl log: %w", err)
		}
		s.jsonlFile = f
	}

	return rotatedText, rotatedJSONL, nil
}

func rotatedName(path, stamp string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%s%s", stem, stamp, ext)
}

// Close releases the open file handles.
func (s *Sinks) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.textFile != nil {
		if err := s.textFile.Close(); err != nil {
			firstErr = err
		}
	}
	if s.jsonlFile != nil {
		if err := s.jsonlFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
