package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/queue"
	"github.com/mschirtzinger/offcache/internal/record"
	"github.com/mschirtzinger/offcache/internal/remote"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

// hub is an in-memory remote.Store shared by several engines.
type hub struct {
	mu      sync.Mutex
	records map[string]*record.SyncRecord
	upserts int
	offline bool
}

func newHubStore() *hub { return &hub{records: make(map[string]*record.SyncRecord)} }

func (h *hub) Upsert(ctx context.Context, rec *record.SyncRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return errors.New("connection refused")
	}
	cp := *rec
	h.records[rec.DeviceID] = &cp
	h.upserts++
	return nil
}

func (h *hub) Latest(ctx context.Context, exclude string) (*record.SyncRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return nil, errors.New("connection refused")
	}
	var best *record.SyncRecord
	for id, r := range h.records {
		if id == exclude {
			continue
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, remote.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (h *hub) setOffline(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = v
}

func (h *hub) count() (records, upserts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records), h.upserts
}

// memLocal is an in-memory LocalStore.
type memLocal struct {
	mu    sync.Mutex
	snap  record.Snapshot
	saves int
}

func (m *memLocal) Load(context.Context) (record.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memLocal) Save(_ context.Context, s record.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	m.saves++
	return nil
}

func (m *memLocal) set(s record.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
}

type notifier struct {
	mu   sync.Mutex
	msgs []record.ChatMessage
}

func (n *notifier) NewMessages(_ context.Context, msgs []record.ChatMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msgs...)
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

// feed is a remote.Feed driven by the test.
type feed struct {
	ch chan remote.ChangeEvent
}

func (f *feed) Subscribe(context.Context) (<-chan remote.ChangeEvent, error) {
	return f.ch, nil
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newEngine(t *testing.T, device string, store remote.Store, cfg *Config) (*Engine, *memLocal) {
	t.Helper()
	local := &memLocal{}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.DeviceID = device
	cfg.Logger = quiet()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return t0 }
	}
	e, err := New(local, store, cfg)
	require.NoError(t, err)
	return e, local
}

func msg(id, sender string, minute int) record.ChatMessage {
	return record.ChatMessage{ID: id, SenderID: sender, Timestamp: t0.Add(time.Duration(minute) * time.Minute)}
}

func chatIDs(msgs []record.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func remoteRecord(t *testing.T, device string, msgs ...record.ChatMessage) *record.SyncRecord {
	t.Helper()
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	return &record.SyncRecord{
		DeviceID:     device,
		SiteSettings: json.RawMessage(`{"from":"` + device + `"}`),
		ChatMessages: data,
		UpdatedAt:    t0,
	}
}

func TestApply(t *testing.T) {
	base := record.Snapshot{Chat: []record.ChatMessage{msg("a", "me", 1)}}

	t.Run("mutation replaces state and pushes", func(t *testing.T) {
		local := record.Snapshot{Videos: json.RawMessage(`["v"]`)}
		next, eff, err := Apply("me", base, Event{Kind: EventMutation, Local: &local})
		require.NoError(t, err)
		assert.Equal(t, local, next)
		assert.Equal(t, Effects{Push: true}, eff)
	})

	t.Run("own record ignored", func(t *testing.T) {
		next, eff, err := Apply("me", base, Event{Kind: EventPulled, Remote: remoteRecord(t, "me", msg("z", "me", 9))})
		require.NoError(t, err)
		assert.Equal(t, base, next)
		assert.Equal(t, Effects{}, eff)
	})

	t.Run("remote record merged", func(t *testing.T) {
		rec := remoteRecord(t, "other", msg("b", "other", 2), msg("c", "me", 3))
		next, eff, err := Apply("me", base, Event{Kind: EventRemoteChange, Remote: rec})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, chatIDs(next.Chat))
		assert.JSONEq(t, `{"from":"other"}`, string(next.SiteSettings))
		assert.True(t, eff.Persist)
		assert.False(t, eff.Push)
		assert.Equal(t, []string{"b"}, chatIDs(eff.NewMessages), "own messages are not announced")
	})

	t.Run("send appends once", func(t *testing.T) {
		m := msg("n", "me", 5)
		next, eff, err := Apply("me", base, Event{Kind: EventSend, Message: &m})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "n"}, chatIDs(next.Chat))
		assert.True(t, eff.Persist)

		again, _, err := Apply("me", next, Event{Kind: EventSend, Message: &m})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "n"}, chatIDs(again.Chat))
	})

	t.Run("malformed events", func(t *testing.T) {
		for _, ev := range []Event{
			{Kind: EventMutation},
			{Kind: EventPulled},
			{Kind: EventSend},
			{Kind: EventKind(99)},
		} {
			next, _, err := Apply("me", base, ev)
			assert.Error(t, err, ev.Kind.String())
			assert.Equal(t, base, next)
		}
	})
}

func TestPush_IdempotentPerDevice(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	e, local := newEngine(t, "d1", store, nil)
	local.set(record.Snapshot{SiteSettings: json.RawMessage(`{"k":1}`)})

	require.NoError(t, e.Push(ctx))
	require.NoError(t, e.Push(ctx))

	records, upserts := store.count()
	assert.Equal(t, 1, records)
	assert.Equal(t, 2, upserts)
	assert.Equal(t, 2, e.Stats().Pushes)
}

func TestPushPull_ErrorsWrapRemoteSync(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	store.setOffline(true)
	e, _ := newEngine(t, "d1", store, nil)

	assert.ErrorIs(t, e.Push(ctx), ErrRemoteSync)
	assert.ErrorIs(t, e.Pull(ctx), ErrRemoteSync)
	assert.Equal(t, 2, e.Stats().Failures)
	assert.NotEmpty(t, e.Stats().LastError)
}

func TestPull_MergesPersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	n := &notifier{}
	e, local := newEngine(t, "d1", store, &Config{Notifier: n})

	// Nothing remote yet: not an error
	require.NoError(t, e.Pull(ctx))
	assert.Zero(t, local.saves)

	require.NoError(t, store.Upsert(ctx, remoteRecord(t, "d2", msg("x", "d2", 1))))
	require.NoError(t, e.Pull(ctx))

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, chatIDs(snap.Chat))
	assert.Equal(t, 1, local.saves)
	assert.Equal(t, 1, n.count())

	// Pulling the same record again changes nothing
	require.NoError(t, e.Pull(ctx))
	assert.Equal(t, 1, local.saves)
	assert.Equal(t, 1, n.count())
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	e, local := newEngine(t, "d1", store, nil)

	// Own event ignored
	require.NoError(t, e.Ingest(ctx, remote.ChangeEvent{DeviceID: "d1", Record: remoteRecord(t, "d1", msg("own", "d1", 1))}))
	assert.Zero(t, local.saves)

	require.NoError(t, e.Ingest(ctx, remote.ChangeEvent{DeviceID: "d2", Record: remoteRecord(t, "d2", msg("r", "d2", 1))}))
	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, chatIDs(snap.Chat))

	// Event without a record falls back to a pull
	require.NoError(t, store.Upsert(ctx, remoteRecord(t, "d3", msg("p", "d3", 2))))
	require.NoError(t, e.Ingest(ctx, remote.ChangeEvent{DeviceID: "d3"}))
	snap, err = e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r", "p"}, chatIDs(snap.Chat))
}

func TestSendChat_QueuesWhenOfflineAndReplaysOnTrigger(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	q := queue.New(kv.NewMemory().Bucket(queue.BucketName), quiet())
	e, local := newEngine(t, "d1", store, &Config{Queue: q})

	store.setOffline(true)
	queued, err := e.SendChat(ctx, msg("m1", "d1", 1))
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, []string{"m1"}, chatIDs(local.snap.Chat), "message is kept locally while offline")

	// Trigger while still offline: item stays
	result, err := q.Trigger(ctx, queue.TagMessages)
	require.NoError(t, err)
	assert.Len(t, result.Failed, 1)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	store.setOffline(false)
	result, err = q.Trigger(ctx, queue.TagMessages)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)

	got, err := store.Latest(ctx, "")
	require.NoError(t, err)
	msgs, err := got.Chat()
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, chatIDs(msgs))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendChat_OnlinePushesImmediately(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	e, _ := newEngine(t, "d1", store, nil)

	queued, err := e.SendChat(ctx, msg("m1", "d1", 1))
	require.NoError(t, err)
	assert.False(t, queued)
	_, upserts := store.count()
	assert.Equal(t, 1, upserts)

	// Without a queue the offline failure is returned
	store.setOffline(true)
	_, err = e.SendChat(ctx, msg("m2", "d1", 2))
	assert.ErrorIs(t, err, ErrRemoteSync)
}

func TestScenarioC_TwoDevicesConvergeAfterReconnect(t *testing.T) {
	ctx := context.Background()
	store := newHubStore()
	qa := queue.New(kv.NewMemory().Bucket(queue.BucketName), quiet())
	qb := queue.New(kv.NewMemory().Bucket(queue.BucketName), quiet())
	a, _ := newEngine(t, "A", store, &Config{Queue: qa, Now: func() time.Time { return t0.Add(time.Minute) }})
	b, _ := newEngine(t, "B", store, &Config{Queue: qb, Now: func() time.Time { return t0.Add(2 * time.Minute) }})

	store.setOffline(true)
	for i, id := range []string{"a1", "a2"} {
		_, err := a.SendChat(ctx, msg(id, "A", i*2))
		require.NoError(t, err)
	}
	for i, id := range []string{"b1", "b2"} {
		_, err := b.SendChat(ctx, msg(id, "B", i*2+1))
		require.NoError(t, err)
	}

	// Reconnect: each device drains its queue, then one pull cycle each
	store.setOffline(false)
	_, err := qa.Trigger(ctx, queue.TagMessages)
	require.NoError(t, err)
	_, err = qb.Trigger(ctx, queue.TagMessages)
	require.NoError(t, err)
	require.NoError(t, a.Pull(ctx))
	require.NoError(t, b.Pull(ctx))

	want := []string{"a1", "b1", "a2", "b2"}
	for _, e := range []*Engine{a, b} {
		snap, err := e.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, chatIDs(snap.Chat), e.DeviceID())
	}
}

func TestRun_DebouncedPushAndRealtimeIngest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newHubStore()
	f := &feed{ch: make(chan remote.ChangeEvent, 1)}
	e, local := newEngine(t, "d1", store, &Config{
		Feed:         f,
		PullInterval: time.Hour,
		PushDebounce: 50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// A burst of mutations produces a single push
	for i := 0; i < 5; i++ {
		local.set(record.Snapshot{HeroDescription: json.RawMessage(`"edit"`)})
		require.NoError(t, e.NotifyMutation(ctx))
	}
	require.Eventually(t, func() bool { _, n := store.count(); return n == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	_, upserts := store.count()
	assert.Equal(t, 1, upserts)

	// Realtime events apply without waiting for the pull interval
	f.ch <- remote.ChangeEvent{DeviceID: "d2", Record: remoteRecord(t, "d2", msg("rt", "d2", 1))}
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(ctx)
		return err == nil && len(snap.Chat) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, newHubStore(), &Config{DeviceID: "d"})
	assert.Error(t, err)
	_, err = New(&memLocal{}, nil, &Config{DeviceID: "d"})
	assert.Error(t, err)
	_, err = New(&memLocal{}, newHubStore(), &Config{})
	assert.Error(t, err)
}
