package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/offcache/internal/record"
	"github.com/mschirtzinger/offcache/internal/storage"
)

// timeLayout is fixed-width so updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// RecordStore is the hub's SQLite-backed Store.
type RecordStore struct {
	db *storage.DB
}

// NewRecordStore creates a store on an opened database.
func NewRecordStore(db *storage.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Upsert implements Store.Upsert. Repeating an identical upsert leaves
// exactly one row for the device.
func (s *RecordStore) Upsert(ctx context.Context, rec *record.SyncRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO sync_records (
		device_id, site_settings, videos, hero_description, chat_messages, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		site_settings = excluded.site_settings,
		videos = excluded.videos,
		hero_description = excluded.hero_description,
		chat_messages = excluded.chat_messages,
		updated_at = excluded.updated_at
	`

	_, err := s.db.RawDB().ExecContext(ctx, query,
		rec.DeviceID,
		blob(rec.SiteSettings),
		blob(rec.Videos),
		blob(rec.HeroDescription),
		blob(rec.ChatMessages),
		rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.DeviceID, err)
	}
	return nil
}

// Latest implements Store.Latest.
func (s *RecordStore) Latest(ctx context.Context, exclude string) (*record.SyncRecord, error) {
	row := s.db.RawDB().QueryRowContext(ctx, `
	SELECT device_id, site_settings, videos, hero_description, chat_messages, updated_at
	FROM sync_records
	WHERE device_id != ?
	ORDER BY updated_at DESC, device_id
	LIMIT 1
	`, exclude)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest record: %w", err)
	}
	return rec, nil
}

// Get returns the record for deviceID, or ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, deviceID string) (*record.SyncRecord, error) {
	row := s.db.RawDB().QueryRowContext(ctx, `
	SELECT device_id, site_settings, videos, hero_description, chat_messages, updated_at
	FROM sync_records
	WHERE device_id = ?
	`, deviceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s: %w", deviceID, err)
	}
	return rec, nil
}

// List returns every record, most recently updated first.
func (s *RecordStore) List(ctx context.Context) ([]*record.SyncRecord, error) {
	rows, err := s.db.RawDB().QueryContext(ctx, `
	SELECT device_id, site_settings, videos, hero_description, chat_messages, updated_at
	FROM sync_records
	ORDER BY updated_at DESC, device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []*record.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.RawDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*record.SyncRecord, error) {
	var (
		rec                                     record.SyncRecord
		settings, videos, description, messages sql.NullString
		updatedAt                               string
	)
	if err := row.Scan(&rec.DeviceID, &settings, &videos, &description, &messages, &updatedAt); err != nil {
		return nil, err
	}

	rec.SiteSettings = unblob(settings)
	rec.Videos = unblob(videos)
	rec.HeroDescription = unblob(description)
	rec.ChatMessages = unblob(messages)

	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	rec.UpdatedAt = t
	return &rec, nil
}

func blob(raw []byte) sql.NullString {
	if record.IsNull(raw) {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func unblob(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}
