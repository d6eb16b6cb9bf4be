package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryContext is satisfied by both *sql.DB and *sql.Tx.
type queryContext interface {
	execContext
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// openSQLite opens dbPath, applies pragmas, and runs the migrations in
// dir. A single connection is kept so that every statement, including
// those on ":memory:" databases, sees the same database.
func openSQLite(dbPath, dir string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if d := filepath.Dir(dbPath); d != "." && d != "" {
			if err := os.MkdirAll(d, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db, dir); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		slog.Warn("store: failed to parse timestamp",
			"component", "store",
			"column", column,
			"value", value,
			"error", err,
		)
	}
	return t
}

func scanNullTime(column string, ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(column, ns.String)
	return &t
}

// encodeData marshals a record payload. nil is stored as NULL.
func encodeData(data map[string]any) (any, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal data: %v", ErrInvalidRecord, err)
	}
	return string(b), nil
}

func decodeData(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return m, nil
}

// cloneData returns a shallow copy of data (nil stays nil).
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	return out
}
