package command

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/watchkeeper/fsagent/internal/workerloop"
)

// schemaMigrations creates the tracking table migrations are recorded in.
const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);`

const commandsSchema = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	op TEXT NOT NULL,
	received_at TEXT NOT NULL,
	ok INTEGER NOT NULL,
	msg TEXT NOT NULL DEFAULT '',
	source_filename TEXT NOT NULL
);`

type ledgerMigration struct {
	Version int
	SQL     string
}

var ledgerMigrations = []ledgerMigration{
	{Version: 1, SQL: commandsSchema},
}

// Ledger is an optional, durable audit trail of dispatched commands,
// grounded in the teacher's store.Store: a single writer connection
// (serialising all writes) plus a small reader pool, WAL mode, and a
// versioned migrations table — scoped down to the one `commands` table
// this domain needs instead of the teacher's billing/cache/PII schema.
type Ledger struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// OpenLedger opens (creating as needed) the SQLite-backed command ledger
// at path and brings it up to the latest schema version.
func OpenLedger(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("ledger: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)
	if err := workerloop.RetryTransient(context.Background(), writer.Ping); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ledger: ping writer: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("ledger: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(0)
	if err := workerloop.RetryTransient(context.Background(), reader.Ping); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ledger: ping reader: %w", err)
	}

	l := &Ledger{writer: writer, reader: reader, path: path}
	if err := l.migrate(); err != nil {
		l.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	if _, err := l.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := l.writer.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range ledgerMigrations {
		if m.Version <= current {
			continue
		}
		if err := l.applyMigration(m); err != nil {
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func (l *Ledger) applyMigration(m ledgerMigration) error {
	return workerloop.RetryTransient(context.Background(), func() error {
		tx, err := l.writer.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.Exec(m.SQL); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO migrations (version, applied_at) VALUES (?, ?)",
			m.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Record appends one row describing a finalized command dispatch.
func (l *Ledger) Record(commandID, op string, receivedAt time.Time, ok bool, msg, sourceFilename string) error {
	_, err := l.writer.Exec(
		`INSERT INTO commands (command_id, op, received_at, ok, msg, source_filename) VALUES (?, ?, ?, ?, ?, ?)`,
		commandID, op, receivedAt.UTC().Format(time.RFC3339Nano), boolToInt(ok), msg, sourceFilename,
	)
	return err
}

// LedgerEntry is one row of the command audit trail, as returned by Tail.
type LedgerEntry struct {
	ID             int64
	CommandID      string
	Op             string
	ReceivedAt     string
	OK             bool
	Msg            string
	SourceFilename string
}

// Tail returns the most recent n entries, oldest first, for the
// `agent ledger tail [N]` CLI subcommand.
func (l *Ledger) Tail(n int) ([]LedgerEntry, error) {
	rows, err := l.reader.Query(
		`SELECT id, command_id, op, received_at, ok, msg, source_filename
		 FROM commands ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying ledger tail: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var okInt int
		if err := rows.Scan(&e.ID, &e.CommandID, &e.Op, &e.ReceivedAt, &okInt, &e.Msg, &e.SourceFilename); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.OK = okInt != 0
		entries = append(entries, e)
	}

	// reverse to oldest-first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, rows.Err()
}

// Close closes both connections. Safe to call multiple times.
func (l *Ledger) Close() error {
	var firstErr error
	l.closeOnce.Do(func() {
		if l.writer != nil {
			if err := l.writer.Close(); err != nil {
				firstErr = err
			}
		}
		if l.reader != nil {
			if err := l.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
