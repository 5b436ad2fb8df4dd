// Package store is the shared relational store: session, group and outbound
// message rows, plus a trigger-maintained change log that drives the feed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the shared SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with the given driver.
// "sqlite" selects modernc.org/sqlite, "sqlite3" selects mattn/go-sqlite3.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case "sqlite":
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case "sqlite3":
		dsn = "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	triggers := []struct {
		table string
		row   string
	}{
		{TableSessions, sessionRowJSON},
		{TableGroups, groupRowJSON},
		{TableMessages, messageRowJSON},
	}
	for _, t := range triggers {
		for _, op := range []string{OpInsert, OpUpdate, OpDelete} {
			ref := "NEW"
			if op == OpDelete {
				ref = "OLD"
			}
			stmt := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS trg_%s_%s AFTER %s ON %s BEGIN
				INSERT INTO change_log (table_name, op, row_json) VALUES ('%s', '%s', %s);
			END`, t.table, strings.ToLower(op), op, t.table, t.table, op, fmt.Sprintf(t.row, ref))
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("create %s %s trigger: %w", t.table, op, err)
			}
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
