// Package store persists alerts/tasks, suppression windows, and the
// blacklist over sqlite, implementing the literal schema of spec §6:
// alerts, alert_status, user_responses, ignored, blacklist. The DSN
// pragmas, single-writer connection pool, and retry-once-on-transport-error
// wrapper are grounded on the teacher's internal/persistence/store.go; the
// schema and query shapes are grounded on the original securitybot's
// tasker/sql_tasker.py, ignored_alerts.py, and blacklist/sql_blacklist.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dropbox/securitybot/internal/model"
)

// Store is the process-wide datastore handle (spec §9 "model as a typed
// handle... auto-reconnect behavior belongs inside the handle"). A single
// *sql.DB with a one-connection pool stands in for the original's
// module-level SQLEngine singleton: callers never dial sqlite themselves.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open creates or attaches to a sqlite database at path and ensures the
// schema exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openConn(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func openConn(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY under sqlite's
	// single-writer model; the coordinator is single-threaded anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			hash BLOB PRIMARY KEY,
			ldap TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			reason TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			event_time TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alert_status (
			hash BLOB PRIMARY KEY,
			status INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_responses (
			hash BLOB PRIMARY KEY,
			comment TEXT NOT NULL DEFAULT '',
			performed INTEGER NOT NULL DEFAULT 0,
			authenticated INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS ignored (
			ldap TEXT NOT NULL,
			title TEXT NOT NULL,
			reason TEXT NOT NULL,
			until TIMESTAMP NOT NULL,
			PRIMARY KEY (ldap, title)
		);`,
		`CREATE TABLE IF NOT EXISTS blacklist (
			ldap TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection for packages that write their own
// tables against it, such as audit.SetDB.
func (s *Store) DB() *sql.DB { return s.db }

// execRetryOnce runs fn against the live connection; on a transport-level
// error it rebuilds the connection once (per spec §5/§9: capped to a single
// retry, matching the original sql.py's one-shot recursive reconnect) and
// retries fn exactly once more before surfacing the error.
func (s *Store) execRetryOnce(ctx context.Context, fn func(*sql.DB) error) error {
	err := fn(s.db)
	if err == nil || !isTransportError(err) {
		return err
	}
	s.logger.Warn("store: recovering from lost connection", "path", s.path, "error", err)
	newDB, reopenErr := openConn(s.path)
	if reopenErr != nil {
		return fmt.Errorf("store: reconnect after %v: %w", err, reopenErr)
	}
	old := s.db
	s.db = newDB
	old.Close()
	return fn(s.db)
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "disk i/o error") ||
		strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "connection is closed")
}

func hashBytes(h model.Hash) []byte { return h[:] }

func hashFromBytes(b []byte) model.Hash {
	var h model.Hash
	copy(h[:], b)
	return h
}

func timeOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
