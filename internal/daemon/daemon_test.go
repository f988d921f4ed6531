package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/localstate"
	"github.com/mschirtzinger/offcache/internal/netstate"
	"github.com/mschirtzinger/offcache/internal/queue"
	"github.com/mschirtzinger/offcache/internal/record"
	"github.com/mschirtzinger/offcache/internal/remote"
	"github.com/mschirtzinger/offcache/internal/syncengine"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

// store is an in-memory remote.Store.
type store struct {
	mu      sync.Mutex
	records map[string]*record.SyncRecord
}

func newStore() *store { return &store{records: make(map[string]*record.SyncRecord)} }

func (s *store) Upsert(_ context.Context, rec *record.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.DeviceID] = &cp
	return nil
}

func (s *store) Latest(_ context.Context, exclude string) (*record.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *record.SyncRecord
	for id, r := range s.records {
		if id != exclude && (best == nil || r.UpdatedAt.After(best.UpdatedAt)) {
			best = r
		}
	}
	if best == nil {
		return nil, remote.ErrNotFound
	}
	return best, nil
}

func (s *store) get(device string) *record.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[device]
}

type online struct{}

func (online) Ping(context.Context) error { return nil }

type offline struct{}

func (offline) Ping(context.Context) error { return errors.New("unreachable") }

func newEngine(t *testing.T, dir *localstate.Dir, st *store, q *queue.Queue) *syncengine.Engine {
	t.Helper()
	e, err := syncengine.New(dir, st, &syncengine.Config{
		DeviceID:     "laptop",
		PullInterval: 50 * time.Millisecond,
		PushDebounce: 20 * time.Millisecond,
		Queue:        q,
		Logger:       quiet(),
	})
	require.NoError(t, err)
	return e
}

// run starts d and returns a function that stops it and waits.
func run(t *testing.T, d *Daemon) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestDaemon_PushesLocalEdits(t *testing.T) {
	dir, err := localstate.Open(t.TempDir())
	require.NoError(t, err)
	w, err := localstate.NewWatcher(dir)
	require.NoError(t, err)

	st := newStore()
	d, err := New(newEngine(t, dir, st, nil), &Config{
		DebounceInterval: 20 * time.Millisecond,
		Watcher:          w,
		Logger:           quiet(),
	})
	require.NoError(t, err)
	stop := run(t, d)
	defer stop()

	// Give the watcher a moment to register before editing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(dir.FilePath(localstate.FieldSettings), []byte(`{"theme":"dark"}`), 0o644))

	require.Eventually(t, func() bool {
		rec := st.get("laptop")
		return rec != nil && strings.Contains(string(rec.SiteSettings), `"dark"`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDaemon_DrainsQueueWhenOnline(t *testing.T) {
	ctx := context.Background()
	dir, err := localstate.Open(t.TempDir())
	require.NoError(t, err)

	q := queue.New(kv.NewMemory().Bucket(queue.BucketName), quiet())
	st := newStore()
	engine := newEngine(t, dir, st, q)

	msg := record.NewChatMessage("laptop", "sent while offline", time.Now())
	_, err = q.Enqueue(ctx, queue.TagMessages, syncengine.OpSendChat, msg)
	require.NoError(t, err)

	monitor := netstate.New(online{}, &netstate.Config{Interval: 20 * time.Millisecond, Logger: quiet()})
	d, err := New(engine, &Config{Monitor: monitor, Queue: q, Logger: quiet()})
	require.NoError(t, err)
	stop := run(t, d)
	defer stop()

	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	rec := st.get("laptop")
	require.NotNil(t, rec)
	var chat []record.ChatMessage
	require.NoError(t, json.Unmarshal(rec.ChatMessages, &chat))
	require.Len(t, chat, 1)
	assert.Equal(t, msg.ID, chat[0].ID)

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, "laptop", status.DeviceID)
}

func TestDaemon_OfflineKeepsQueue(t *testing.T) {
	ctx := context.Background()
	dir, err := localstate.Open(t.TempDir())
	require.NoError(t, err)

	q := queue.New(kv.NewMemory().Bucket(queue.BucketName), quiet())
	engine := newEngine(t, dir, newStore(), q)
	_, err = q.Enqueue(ctx, queue.TagMessages, syncengine.OpSendChat, record.NewChatMessage("laptop", "hi", time.Now()))
	require.NoError(t, err)

	monitor := netstate.New(offline{}, &netstate.Config{Interval: 10 * time.Millisecond, Logger: quiet()})
	d, err := New(engine, &Config{Monitor: monitor, Queue: q, Logger: quiet()})
	require.NoError(t, err)
	stop := run(t, d)

	time.Sleep(80 * time.Millisecond)
	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.Pending)

	stop()
	assert.NoError(t, d.Stop(), "second stop is a no-op")
}
