// Package store is the local snapshot store: an embedded SQLite database holding
// every account's tasks, tags, relations and version row.
//
// The database is opened in WAL mode so the daemon, the CLI and the dashboard
// can read while a sync writes. Every write that changes an account's rows
// also replaces the account's version token inside the same transaction, and
// every version write increments a per-account sequence number that
// WatchVersion observes.
//
// Layout:
//   - tasks, tags, relations: one row per entity, soft-deleted via a flag
//   - versions: one row per account (data_version, must_be_processed, origin, seq)
//   - settings: key/value preferences such as the active sync account
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often WatchVersion re-reads the version row to
// pick up writes made by other processes.
const DefaultPollInterval = 500 * time.Millisecond

// Store wraps the SQLite connection.
type Store struct {
	db   *sqlx.DB
	path string

	notify       *notifier
	pollInterval time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often WatchVersion polls the version row.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for background watch errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp LastModified on mutated rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per connection, so they go in the DSN
	// where the driver applies them to every pooled connection. Write
	// transactions take the lock up front to avoid upgrade deadlocks.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := New(conn, opts...)
	s.path = path
	if err := s.InitSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The schema is not created; call
// InitSchema if needed.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		notify:       newNotifier(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the database file path, or "" for stores built with New.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.path != "" {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT NOT NULL,
	account TEXT NOT NULL,
	task_list INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL DEFAULT '',
	time TEXT NOT NULL DEFAULT '',
	latitude REAL,
	longitude REAL,
	location_name TEXT,
	period TEXT NOT NULL DEFAULT 'none',
	deleted INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, id)
);

CREATE TABLE IF NOT EXISTS tags (
	id TEXT NOT NULL,
	account TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	color INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, id)
);

CREATE TABLE IF NOT EXISTS relations (
	task_id TEXT NOT NULL,
	tag_id TEXT NOT NULL,
	account TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, task_id, tag_id)
);

CREATE TABLE IF NOT EXISTS versions (
	account TEXT PRIMARY KEY,
	data_version TEXT NOT NULL,
	must_be_processed INTEGER NOT NULL DEFAULT 0,
	origin INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(account, task_list, deleted, position);
CREATE INDEX IF NOT EXISTS idx_tags_position ON tags(account, deleted, position);
CREATE INDEX IF NOT EXISTS idx_relations_tag ON relations(account, tag_id);
`

// InitSchema creates the tables if they don't exist and adds columns missing
// from databases created by older versions. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s.addColumn(ctx, "versions", "origin", "INTEGER NOT NULL DEFAULT 0")
}

func (s *Store) addColumn(ctx context.Context, table, column, def string) error {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+column+" "+def); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// withTx runs fn in a transaction and commits if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

var (
	_ queryer = (*sqlx.DB)(nil)
	_ queryer = (*sqlx.Tx)(nil)
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
