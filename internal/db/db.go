// Package db provides the SQLite stores that hold defect and repair records.
//
// Every workstation keeps one local store in its data directory and all
// workstations share one store of the same schema in a network directory.
// Both are plain SQLite files opened through the ncruces/go-sqlite3 driver.
//
// Architecture:
//   - Database file: <dir>/aoi_data.db
//   - Local store: WAL mode for concurrent reads during background writes
//   - Shared store: rollback journal (WAL does not work over network shares)
//   - Schema: defects, repairs, tombstones tables
//
// Writes are idempotent by record identity. UpsertDefects may be called any
// number of times with overlapping record sets without creating duplicates,
// and DeleteDefect of an unknown identity is not an error.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// FileName is the store file name used in both the local and the shared
// directory.
const FileName = "aoi_data.db"

// Journal modes for Open.
const (
	JournalWAL    = "WAL"
	JournalDelete = "DELETE"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store is closed")

// DB wraps one SQLite store file. It is safe for concurrent use, including
// a Close that races with background writes: those fail with ErrClosed or
// the driver's closed-database error.
type DB struct {
	conn   *sql.DB
	path   string
	retry  RetryPolicy
	closed atomic.Bool
}

// Open creates a new connection to the local store at path.
//
// The parent directory and the file are created when absent and the schema
// is ensured. The caller MUST call Close when done.
//
// Example:
//
//	store, err := db.Open("data/aoi_data.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return open(path, JournalWAL)
}

// OpenShared opens the store in a shared network directory. It uses the
// rollback journal so that several workstations can lock the file over SMB.
func OpenShared(path string) (*DB, error) {
	return open(path, JournalDelete)
}

// OpenDir opens the local store inside dir.
func OpenDir(dir string) (*DB, error) {
	return Open(filepath.Join(dir, FileName))
}

func open(path, journal string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(%s)&_txlock=immediate",
		filepath.ToSlash(path), journal)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:  conn,
		path:  path,
		retry: DefaultRetryPolicy(),
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.path
}

// SetRetryPolicy replaces the lock retry policy used by write operations.
func (db *DB) SetRetryPolicy(p RetryPolicy) {
	db.retry = p
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection. Closing twice is a no-op.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Fold the WAL back into the main file so a copy of the file alone is
	// complete. No-op in rollback journal mode.
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// checkOpen returns ErrClosed once Close has been called.
func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return fmt.Errorf("%s: %w", db.path, ErrClosed)
	}
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call multiple
// times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS defects (
		id TEXT PRIMARY KEY,
		kintone_record_id TEXT NOT NULL DEFAULT '',
		model_code TEXT NOT NULL DEFAULT '',
		lot_number TEXT NOT NULL DEFAULT '',
		current_board_index INTEGER NOT NULL,
		defect_number INTEGER NOT NULL,
		model_label TEXT NOT NULL DEFAULT '',
		board_label TEXT NOT NULL DEFAULT '',
		line_name TEXT NOT NULL DEFAULT '',
		serial TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		defect_name TEXT NOT NULL DEFAULT '',
		x REAL,
		y REAL,
		aoi_user TEXT NOT NULL DEFAULT '',
		insert_date TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS repairs (
		id TEXT PRIMARY KEY,
		is_repaird TEXT NOT NULL DEFAULT '',
		parts_type TEXT NOT NULL DEFAULT '',
		insert_date TEXT NOT NULL DEFAULT ''
	);

	-- Deleted identities, so that a merge removes them from other stores
	CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT PRIMARY KEY,
		deleted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_defects_lot ON defects(lot_number);
	CREATE INDEX IF NOT EXISTS idx_defects_lot_board
	    ON defects(lot_number, current_board_index, defect_number);
	CREATE INDEX IF NOT EXISTS idx_defects_insert_date ON defects(insert_date);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Counts summarizes the rows held by a store.
type Counts struct {
	Defects    int `json:"defects" yaml:"defects"`
	Repairs    int `json:"repairs" yaml:"repairs"`
	Tombstones int `json:"tombstones" yaml:"tombstones"`
}

// Counts returns the number of rows per table.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	if err := db.checkOpen(); err != nil {
		return Counts{}, err
	}
	var c Counts
	row := db.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM defects),
		(SELECT COUNT(*) FROM repairs),
		(SELECT COUNT(*) FROM tombstones)
	`)
	if err := row.Scan(&c.Defects, &c.Repairs, &c.Tombstones); err != nil {
		return c, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}
