// Package storage provides the embedded SQLite database used by offcache.
//
// A single database file backs two concerns:
//   - kv_entries: the generic bucketed key/value table behind cache
//     partitions, the pending-write queue and other durable buckets
//   - sync_records: the hub's per-device record table (upsert by device_id)
//
// The database runs in WAL mode so readers never block the writer, and every
// connection gets a busy timeout so concurrent writers back off instead of
// failing with SQLITE_BUSY.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created along with the schema.
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	db, err := storage.Open(".offcache/offcache.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// busy_timeout and foreign_keys are per-connection, so they go in the DSN
	// where the driver applies them to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path == ":memory:" {
		// Each connection would otherwise get its own private database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Bucketed key/value entries. id is the insertion order: a re-put
	-- deletes and re-inserts, so the key moves to the newest position.
	CREATE TABLE IF NOT EXISTS kv_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (bucket, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_bucket_order ON kv_entries(bucket, id);

	-- One record per device. Payload columns are opaque JSON blobs.
	CREATE TABLE IF NOT EXISTS sync_records (
		device_id TEXT PRIMARY KEY,
		site_settings TEXT,
		videos TEXT,
		hero_description TEXT,
		chat_messages TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_records_updated ON sync_records(updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
