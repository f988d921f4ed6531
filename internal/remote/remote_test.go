package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offcache/internal/broadcast"
	"github.com/mschirtzinger/offcache/internal/record"
	"github.com/mschirtzinger/offcache/internal/storage"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newStore(t *testing.T) *RecordStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRecordStore(db)
}

// newHub starts a hub server on httptest and returns a client for it.
func newHub(t *testing.T) (*Client, *RecordStore, *broadcast.Hub) {
	t.Helper()
	store := newStore(t)
	feed := broadcast.New(&broadcast.Config{Logger: quiet()})
	srv := NewServer(store, feed, &ServerConfig{Logger: quiet()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		feed.Stop()
		ts.Close()
	})

	client, err := NewClient(ts.URL, nil, quiet())
	require.NoError(t, err)
	return client, store, feed
}

func rec(device string, at time.Time, settings string) *record.SyncRecord {
	return &record.SyncRecord{
		DeviceID:     device,
		SiteSettings: json.RawMessage(settings),
		ChatMessages: json.RawMessage(`[]`),
		UpdatedAt:    at,
	}
}

func TestRecordStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	r := rec("d1", t0, `{"theme":"dark"}`)
	require.NoError(t, s.Upsert(ctx, r))
	require.NoError(t, s.Upsert(ctx, r))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A later upsert replaces the row
	require.NoError(t, s.Upsert(ctx, rec("d1", t0.Add(time.Minute), `{"theme":"light"}`)))
	got, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"light"}`, string(got.SiteSettings))
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))
	assert.Nil(t, got.Videos)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordStore_LatestExcludesDevice(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Latest(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Upsert(ctx, rec("d1", t0.Add(3*time.Second), `{}`)))
	require.NoError(t, s.Upsert(ctx, rec("d2", t0.Add(1500*time.Millisecond), `{}`)))
	require.NoError(t, s.Upsert(ctx, rec("d3", t0.Add(time.Second), `{}`)))

	got, err := s.Latest(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d2", got.DeviceID, "sub-second timestamps must order correctly")

	got, err = s.Latest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DeviceID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d3", all[2].DeviceID)
}

func TestRecordStore_RejectsInvalid(t *testing.T) {
	err := newStore(t).Upsert(context.Background(), &record.SyncRecord{})
	assert.ErrorIs(t, err, record.ErrInvalid)
}

func TestClient_UpsertAndLatest(t *testing.T) {
	ctx := context.Background()
	client, store, _ := newHub(t)

	_, err := client.Latest(ctx, "me")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, client.Upsert(ctx, rec("other", t0, `{"a":1}`)))
	require.NoError(t, client.Upsert(ctx, rec("me", t0.Add(time.Minute), `{"a":2}`)))

	got, err := client.Latest(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, "other", got.DeviceID)
	assert.JSONEq(t, `{"a":1}`, string(got.SiteSettings))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, client.Ping(ctx))
}

func TestClient_UpsertRejected(t *testing.T) {
	client, _, _ := newHub(t)
	err := client.Upsert(context.Background(), &record.SyncRecord{
		DeviceID:     "d1",
		ChatMessages: json.RawMessage(`[{"no":"id"}]`),
	})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.False(t, IsRetryable(err))
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	client, err := NewClient(ts.URL, nil, quiet())
	require.NoError(t, err)
	assert.Error(t, client.Ping(context.Background()))
	_, err = client.Latest(context.Background(), "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewClient_RejectsScheme(t *testing.T) {
	_, err := NewClient("ftp://hub", nil, quiet())
	assert.Error(t, err)
}

func TestClient_SubscribeReceivesChanges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, feed := newHub(t)
	events, err := client.Subscribe(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Upsert(ctx, rec("d9", t0, `{"x":true}`)))

	select {
	case ev, ok := <-events:
		require.True(t, ok)
		assert.Equal(t, "d9", ev.DeviceID)
		assert.True(t, ev.UpdatedAt.Equal(t0))
		assert.JSONEq(t, `{"x":true}`, string(ev.Record.SiteSettings))
	case <-ctx.Done():
		t.Fatal("no change event received")
	}

	cancel()
	for range events {
	}
}

func TestServer_UpsertPathMismatch(t *testing.T) {
	store := newStore(t)
	feed := broadcast.New(&broadcast.Config{Logger: quiet()})
	defer feed.Stop()
	h := NewServer(store, feed, &ServerConfig{Logger: quiet()}).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/records/a", strings.NewReader(`{"device_id":"b"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// device_id taken from the path when absent from the body
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/records/a", strings.NewReader(`{"site_settings":{"k":1}}`)))
	assert.Equal(t, http.StatusNoContent, w.Code)

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection", errors.New("dial tcp: connection refused"), true},
		{"server error", &StatusError{Op: "upsert", Code: 503}, true},
		{"throttled", &StatusError{Op: "upsert", Code: 429}, true},
		{"rejected", fmt.Errorf("push: %w", &StatusError{Op: "upsert", Code: 400}), false},
		{"invalid record", fmt.Errorf("x: %w", record.ErrInvalid), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
