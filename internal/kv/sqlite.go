package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/offcache/internal/storage"
)

// SQLite is a durable Backend stored in the kv_entries table.
type SQLite struct {
	db *storage.DB
}

// NewSQLite creates a backend on an opened database.
//
// Example:
//
//	db, err := storage.Open(".offcache/offcache.db")
//	if err != nil {
//	    return err
//	}
//	backend := kv.NewSQLite(db)
//	pending := backend.Bucket("pending-writes")
func NewSQLite(db *storage.DB) *SQLite {
	return &SQLite{db: db}
}

// Bucket implements Backend.Bucket.
func (s *SQLite) Bucket(name string) Store {
	return &sqliteStore{conn: s.db.RawDB(), bucket: name}
}

// Buckets implements Backend.Buckets.
func (s *SQLite) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.RawDB().QueryContext(ctx,
		`SELECT DISTINCT bucket FROM kv_entries ORDER BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan bucket name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buckets: %w", err)
	}
	return names, nil
}

// DropBucket implements Backend.DropBucket.
func (s *SQLite) DropBucket(ctx context.Context, name string) error {
	if _, err := s.db.RawDB().ExecContext(ctx,
		`DELETE FROM kv_entries WHERE bucket = ?`, name); err != nil {
		return fmt.Errorf("failed to drop bucket %s: %w", name, err)
	}
	return nil
}

type sqliteStore struct {
	conn   *sql.DB
	bucket string
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE bucket = ? AND key = ?`,
		s.bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", s.bucket, key, err)
	}
	return value, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Delete + insert rather than upsert so the row gets a fresh id and the
	// key moves to the newest insertion position.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE bucket = ? AND key = ?`, s.bucket, key); err != nil {
		return fmt.Errorf("failed to replace %s/%s: %w", s.bucket, key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (bucket, key, value, created_at) VALUES (?, ?, ?, ?)`,
		s.bucket, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", s.bucket, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE bucket = ? AND key = ?`, s.bucket, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE bucket = ? ORDER BY id ASC`, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", s.bucket, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_entries WHERE bucket = ?`, s.bucket).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.bucket, err)
	}
	return count, nil
}
