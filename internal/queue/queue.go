// Package queue is the durable background sync queue.
//
// Writes that fail for lack of connectivity are enqueued as PendingWrites
// in a KeyValueStore bucket and replayed only when a tagged trigger fires
// (for example when connectivity returns). Each item is replayed
// independently: a success removes it exactly once, a failure leaves it in
// place for the next trigger and never blocks its siblings.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/offcache/internal/kv"
)

// Trigger tags.
const (
	TagMessages = "sync-messages"
	TagVideos   = "sync-videos"
)

// BucketName is the KeyValueStore bucket that holds pending writes.
const BucketName = "pending-writes"

// Sentinel errors.
var (
	// ErrItemFailed marks the replay failure of a single queued item.
	ErrItemFailed = errors.New("queued item replay failed")

	// ErrNoHandler is returned when a tag has no registered replay handler.
	ErrNoHandler = errors.New("no handler registered for tag")
)

// ItemError reports a replay failure for one item. It matches ErrItemFailed.
type ItemError struct {
	ID  string
	Tag string
	Err error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", ErrItemFailed, e.ID, e.Tag, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

func (e *ItemError) Is(target error) bool { return target == ErrItemFailed }

// PendingWrite is a deferred write operation.
type PendingWrite struct {
	ID         string          `json:"id"`
	Tag        string          `json:"tag"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler replays one pending write against the remote.
type Handler func(ctx context.Context, w *PendingWrite) error

// DrainResult summarizes one trigger.
type DrainResult struct {
	Tag       string
	Attempted int
	Replayed  int
	Failed    []*ItemError
}

// Queue is safe for concurrent use. Drains are serialized.
type Queue struct {
	store  kv.Store
	logger *log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	drainMu sync.Mutex
}

// New creates a queue over store. A nil logger writes to stderr.
func New(store kv.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		store:    store,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the replay handler for tag, replacing any previous one.
func (q *Queue) Handle(tag string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[tag] = h
}

func (q *Queue) handler(tag string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[tag]
	return h, ok
}

// Enqueue durably stores a write for later replay. payload is marshaled to
// JSON unless it already is a json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, tag, op string, payload any) (*PendingWrite, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	w := &PendingWrite{
		ID:         uuid.NewString(),
		Tag:        tag,
		Op:         op,
		Payload:    raw,
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.write(ctx, w); err != nil {
		return nil, err
	}
	q.logger.Printf("Queued %s %s (%s)", w.Tag, w.Op, w.ID)
	return w, nil
}

// List returns pending writes in enqueue order. An empty tag lists all.
func (q *Queue) List(ctx context.Context, tag string) ([]*PendingWrite, error) {
	keys, err := q.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	writes := make([]*PendingWrite, 0, len(keys))
	for _, key := range keys {
		w, err := q.read(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tag == "" || w.Tag == tag {
			writes = append(writes, w)
		}
	}
	return writes, nil
}

// Len returns the number of pending writes.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Trigger drains every pending write tagged tag, sequentially and in
// enqueue order. Individual failures are collected in the result, never
// returned as the error; the error is reserved for the queue itself being
// unreadable or a tag with no handler.
func (q *Queue) Trigger(ctx context.Context, tag string) (DrainResult, error) {
	result := DrainResult{Tag: tag}

	h, ok := q.handler(tag)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrNoHandler, tag)
	}

	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	writes, err := q.List(ctx, tag)
	if err != nil {
		return result, err
	}

	for _, w := range writes {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++

		if err := q.replay(ctx, h, w); err != nil {
			itemErr := &ItemError{ID: w.ID, Tag: w.Tag, Err: err}
			result.Failed = append(result.Failed, itemErr)
			q.logger.Printf("Replay failed, keeping for next trigger: %v", itemErr)
			continue
		}

		if err := q.store.Delete(ctx, w.ID); err != nil {
			q.logger.Printf("Warning: replayed %s but failed to remove it: %v", w.ID, err)
			continue
		}
		result.Replayed++
	}

	if result.Attempted > 0 {
		q.logger.Printf("Drained %s: %d replayed, %d failed", tag, result.Replayed, len(result.Failed))
	}
	return result, nil
}

// replay runs h for one item, turning a handler panic into an error so one
// bad item cannot take down the drain.
func (q *Queue) replay(ctx context.Context, h Handler, w *PendingWrite) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, w)
}

// Abandon removes one pending write without replaying it.
func (q *Queue) Abandon(ctx context.Context, id string) error {
	if _, err := q.read(ctx, id); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to abandon %s: %w", id, err)
	}
	q.logger.Printf("Abandoned %s", id)
	return nil
}

// AbandonBefore removes every pending write enqueued before t and returns
// the removed IDs sorted.
func (q *Queue) AbandonBefore(ctx context.Context, t time.Time) ([]string, error) {
	writes, err := q.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, w := range writes {
		if !w.EnqueuedAt.Before(t) {
			continue
		}
		if err := q.store.Delete(ctx, w.ID); err != nil {
			return removed, fmt.Errorf("failed to abandon %s: %w", w.ID, err)
		}
		removed = append(removed, w.ID)
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		q.logger.Printf("Abandoned %d writes queued before %s", len(removed), t.Format(time.RFC3339))
	}
	return removed, nil
}

func (q *Queue) write(ctx context.Context, w *PendingWrite) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal pending write: %w", err)
	}
	if err := q.store.Put(ctx, w.ID, data); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", w.ID, err)
	}
	return nil
}

func (q *Queue) read(ctx context.Context, id string) (*PendingWrite, error) {
	data, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending write %s: %w", id, err)
	}
	var w PendingWrite
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode pending write %s: %w", id, err)
	}
	return &w, nil
}
