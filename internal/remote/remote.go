// Package remote talks to the record hub: the shared store holding one
// SyncRecord per device plus a realtime change feed.
//
// Client is the device side (HTTP upsert/latest, websocket feed). Server
// and RecordStore are the hub side, backed by SQLite.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mschirtzinger/offcache/internal/broadcast"
	"github.com/mschirtzinger/offcache/internal/record"
)

// ErrNotFound is returned by Latest when no matching record exists.
var ErrNotFound = errors.New("no remote record")

// MessageTypeRecordChanged is the feed message emitted after every upsert.
const MessageTypeRecordChanged broadcast.MessageType = "record_changed"

// Store is the remote record store.
type Store interface {
	// Upsert inserts or replaces the record for rec.DeviceID.
	Upsert(ctx context.Context, rec *record.SyncRecord) error

	// Latest returns the most recently updated record whose device_id is
	// not exclude, or ErrNotFound.
	Latest(ctx context.Context, exclude string) (*record.SyncRecord, error)
}

// ChangeEvent is one realtime notification from the feed.
type ChangeEvent struct {
	DeviceID  string
	UpdatedAt time.Time
	Record    *record.SyncRecord
}

// Feed delivers change events until ctx is done or the connection drops,
// at which point the channel is closed.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

// StatusError is a non-success response from the hub.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub %s returned %d %s: %s", e.Op, e.Code, http.StatusText(e.Code), e.Body)
}

// IsRetryable reports whether err is worth retrying later: connectivity
// failures and server-side errors are, rejected requests and cancellation
// are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, record.ErrInvalid) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 ||
			statusErr.Code == http.StatusTooManyRequests ||
			statusErr.Code == http.StatusRequestTimeout
	}
	return true
}
