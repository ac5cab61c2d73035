package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	apperrors "github.com/nijaru/scribe/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    ledger TEXT NOT NULL,
    schema TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    cursor_before REAL NOT NULL DEFAULT 0,
    cursor_after REAL NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    written INTEGER NOT NULL DEFAULT 0,
    archive_key TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS live_sessions (
    id TEXT PRIMARY KEY,
    filename TEXT UNIQUE NOT NULL,
    source TEXT NOT NULL,
    model TEXT NOT NULL,
    language TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS live_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES live_sessions(id) ON DELETE CASCADE,
    recorded_at DATETIME NOT NULL,
    language TEXT NOT NULL,
    text TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS translations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_text TEXT NOT NULL,
    target_text TEXT NOT NULL,
    source_lang TEXT NOT NULL,
    target_lang TEXT NOT NULL,
    characters INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_live_entries_session ON live_entries(session_id);
`

type Config struct {
	MaxRetries         int
	RetryDelay         time.Duration
	QueryTimeout       time.Duration
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         100 * time.Millisecond,
		QueryTimeout:       30 * time.Second,
		MaxConnections:     10,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    30 * time.Minute,
	}
}

// Store keeps run history and live session indexes in sqlite. Ledgers and
// session transcripts stay on disk; the store only indexes them.
type Store struct {
	db  *sql.DB
	cfg Config
}

func Open(path string) (*Store, error) {
	return OpenWithConfig(path, DefaultConfig())
}

func OpenWithConfig(path string, cfg Config) (*Store, error) {
	const op = "db.Open"

	logrus.WithField("path", path).Info("Initializing database")

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, apperrors.Internal(op, err, "failed to create database directory")
	}

	// connection-scoped settings go in the DSN so every pooled connection gets them
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.Internal(op, err, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := execSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cfg: cfg}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func configurePragmas(db *sql.DB) error {
	const op = "db.configurePragmas"

	pragmas := []string{
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -2000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return apperrors.Internal(op, err, fmt.Sprintf("failed to set pragma: %s", pragma))
		}
	}
	return nil
}

func execSchema(db *sql.DB) error {
	const op = "db.execSchema"

	tx, err := db.Begin()
	if err != nil {
		return apperrors.Internal(op, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return apperrors.Internal(op, err, fmt.Sprintf("failed to execute schema statement: %s", stmt))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal(op, err, "failed to commit schema transaction")
	}
	return nil
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) withTransaction(ctx context.Context, fn func(tx executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// withRetry retries fn on sqlite busy errors.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
