// Package syncengine keeps the local snapshot in sync with the record hub.
//
// The engine:
//  1. Pulls the most recently updated record of another device on a fixed
//     interval and merges it (coarse fields replaced, chat merged by id)
//  2. Pushes the local snapshot after local mutations, debounced so a burst
//     of edits produces one push
//  3. Ingests realtime change events from the hub feed immediately
//  4. Queues chat sends that fail while offline and replays them when the
//     sync-messages trigger fires
//
// Push and pull failures are logged and retried on the next tick; they
// never reach the caller of Run. State transitions go through Apply.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/offcache/internal/queue"
	"github.com/mschirtzinger/offcache/internal/record"
	"github.com/mschirtzinger/offcache/internal/remote"
)

// ErrRemoteSync wraps push and pull failures.
var ErrRemoteSync = errors.New("remote sync failed")

// OpSendChat is the queue op for deferred chat sends.
const OpSendChat = "send_chat"

// LocalStore persists the local snapshot.
type LocalStore interface {
	Load(ctx context.Context) (record.Snapshot, error)
	Save(ctx context.Context, s record.Snapshot) error
}

// Notifier announces chat messages that arrived from other devices.
type Notifier interface {
	NewMessages(ctx context.Context, msgs []record.ChatMessage)
}

// Config holds configuration for the engine.
type Config struct {
	// DeviceID identifies this device's record (required)
	DeviceID string

	// PullInterval is how often to pull (default: 5s)
	PullInterval time.Duration

	// PushDebounce coalesces bursts of local mutations (default: 1s)
	PushDebounce time.Duration

	// Feed delivers realtime changes (optional)
	Feed remote.Feed

	// Queue holds deferred chat sends (optional)
	Queue *queue.Queue

	// Notifier announces new remote messages (optional)
	Notifier Notifier

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PullInterval: 5 * time.Second,
		PushDebounce: time.Second,
		Now:          time.Now,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Stats summarizes engine activity.
type Stats struct {
	Pushes    int
	Pulls     int
	Merged    int
	Failures  int
	LastPush  time.Time
	LastPull  time.Time
	LastError string
}

// Engine synchronizes one device. It is safe for concurrent use.
type Engine struct {
	local  LocalStore
	store  remote.Store
	config *Config

	mu     sync.Mutex
	state  record.Snapshot
	loaded bool

	statsMu sync.Mutex
	stats   Stats

	// pushReq carries debounced push requests to Run
	pushReq chan struct{}
}

// New creates an engine.
func New(local LocalStore, store remote.Store, config *Config) (*Engine, error) {
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	if config.PullInterval <= 0 {
		config.PullInterval = defaults.PullInterval
	}
	if config.PushDebounce <= 0 {
		config.PushDebounce = defaults.PushDebounce
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	e := &Engine{
		local:   local,
		store:   store,
		config:  config,
		pushReq: make(chan struct{}, 1),
	}
	if config.Queue != nil {
		config.Queue.Handle(queue.TagMessages, e.replayChat)
	}
	return e, nil
}

// DeviceID returns the local device id.
func (e *Engine) DeviceID() string {
	return e.config.DeviceID
}

// Load reads the local snapshot. Other operations load lazily.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	s, err := e.local.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load local state: %w", err)
	}
	e.state = s
	e.loaded = true
	return nil
}

// Snapshot returns the current in-memory state.
func (e *Engine) Snapshot(ctx context.Context) (record.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadLocked(ctx); err != nil {
		return record.Snapshot{}, err
	}
	return e.state, nil
}

// Stats returns a copy of the activity counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// dispatch runs Apply on ev and performs its effects.
func (e *Engine) dispatch(ctx context.Context, ev Event) (Effects, error) {
	e.mu.Lock()
	if err := e.loadLocked(ctx); err != nil {
		e.mu.Unlock()
		return Effects{}, err
	}

	next, effects, err := Apply(e.config.DeviceID, e.state, ev)
	if err != nil {
		e.mu.Unlock()
		return Effects{}, err
	}
	e.state = next

	var saveErr error
	if effects.Persist {
		saveErr = e.local.Save(ctx, next)
	}
	e.mu.Unlock()

	if saveErr != nil {
		return effects, fmt.Errorf("failed to persist local state: %w", saveErr)
	}
	if effects.Push {
		e.requestPush()
	}
	if len(effects.NewMessages) > 0 && e.config.Notifier != nil {
		e.config.Notifier.NewMessages(ctx, effects.NewMessages)
	}
	return effects, nil
}

// requestPush signals Run without blocking; pending requests coalesce.
func (e *Engine) requestPush() {
	select {
	case e.pushReq <- struct{}{}:
	default:
	}
}

// NotifyMutation reloads the local snapshot after an edit made outside the
// engine and schedules a debounced push.
func (e *Engine) NotifyMutation(ctx context.Context) error {
	s, err := e.local.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload local state: %w", err)
	}
	_, err = e.dispatch(ctx, Event{Kind: EventMutation, Local: &s})
	return err
}

// Push upserts the local snapshot as this device's record.
func (e *Engine) Push(ctx context.Context) error {
	e.mu.Lock()
	if err := e.loadLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	rec, err := e.state.Record(e.config.DeviceID, e.config.Now())
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.store.Upsert(ctx, rec); err != nil {
		e.recordFailure(err)
		return fmt.Errorf("%w: push: %w", ErrRemoteSync, err)
	}

	e.statsMu.Lock()
	e.stats.Pushes++
	e.stats.LastPush = rec.UpdatedAt
	e.statsMu.Unlock()
	return nil
}

// Pull fetches the most recently updated record of another device and
// merges it. No remote record is not an error.
func (e *Engine) Pull(ctx context.Context) error {
	rec, err := e.store.Latest(ctx, e.config.DeviceID)
	if errors.Is(err, remote.ErrNotFound) {
		e.markPulled(false)
		return nil
	}
	if err != nil {
		e.recordFailure(err)
		return fmt.Errorf("%w: pull: %w", ErrRemoteSync, err)
	}

	effects, err := e.dispatch(ctx, Event{Kind: EventPulled, Remote: rec})
	if err != nil {
		e.recordFailure(err)
		return fmt.Errorf("%w: pull: %w", ErrRemoteSync, err)
	}
	e.markPulled(effects.Persist)
	return nil
}

// Ingest applies a realtime change event. Events from this device are
// ignored; events without a record fall back to a pull.
func (e *Engine) Ingest(ctx context.Context, ev remote.ChangeEvent) error {
	if ev.DeviceID == e.config.DeviceID {
		return nil
	}
	if ev.Record == nil {
		return e.Pull(ctx)
	}

	effects, err := e.dispatch(ctx, Event{Kind: EventRemoteChange, Remote: ev.Record})
	if err != nil {
		e.recordFailure(err)
		return err
	}
	if effects.Persist {
		e.statsMu.Lock()
		e.stats.Merged++
		e.statsMu.Unlock()
	}
	return nil
}

// SendChat appends msg to the local chat log and pushes right away. When
// the push fails for a retryable reason and a queue is configured, the send
// is queued for the sync-messages trigger and queued is true.
func (e *Engine) SendChat(ctx context.Context, msg record.ChatMessage) (queued bool, err error) {
	if _, err := e.dispatch(ctx, Event{Kind: EventSend, Message: &msg}); err != nil {
		return false, err
	}

	pushErr := e.Push(ctx)
	if pushErr == nil {
		return false, nil
	}
	if e.config.Queue == nil || !remote.IsRetryable(pushErr) {
		return false, pushErr
	}

	if _, err := e.config.Queue.Enqueue(ctx, queue.TagMessages, OpSendChat, msg); err != nil {
		return false, fmt.Errorf("failed to queue message after %v: %w", pushErr, err)
	}
	e.config.Logger.Printf("Offline, queued message %s for background sync", msg.ID)
	return true, nil
}

// replayChat is the queue handler for deferred chat sends.
func (e *Engine) replayChat(ctx context.Context, w *queue.PendingWrite) error {
	if w.Op != OpSendChat {
		return fmt.Errorf("unsupported op %q", w.Op)
	}
	var msg record.ChatMessage
	if err := json.Unmarshal(w.Payload, &msg); err != nil {
		return fmt.Errorf("failed to decode queued message: %w", err)
	}
	if _, err := e.dispatch(ctx, Event{Kind: EventSend, Message: &msg}); err != nil {
		return err
	}
	return e.Push(ctx)
}

func (e *Engine) markPulled(merged bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Pulls++
	e.stats.LastPull = e.config.Now()
	if merged {
		e.stats.Merged++
	}
}

func (e *Engine) recordFailure(err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Failures++
	e.stats.LastError = err.Error()
}

// Run pulls on every tick, pushes after debounced mutations and ingests the
// change feed until ctx is cancelled. A dropped feed is resubscribed on the
// next tick. Run returns only the error of the initial local load.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}
	e.config.Logger.Printf("Sync running for %s (pull every %v, push debounce %v)",
		e.config.DeviceID, e.config.PullInterval, e.config.PushDebounce)

	e.logErr(e.Pull(ctx))
	events := e.subscribe(ctx)

	ticker := time.NewTicker(e.config.PullInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Println("Sync stopped")
			return nil

		case <-ticker.C:
			e.logErr(e.Pull(ctx))
			if events == nil {
				events = e.subscribe(ctx)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.logErr(e.Ingest(ctx, ev))

		case <-e.pushReq:
			if debounceC == nil {
				debounce = time.NewTimer(e.config.PushDebounce)
				debounceC = debounce.C
			}

		case <-debounceC:
			debounceC = nil
			e.logErr(e.Push(ctx))
		}
	}
}

// subscribe opens the feed, returning nil when there is none or it fails.
func (e *Engine) subscribe(ctx context.Context) <-chan remote.ChangeEvent {
	if e.config.Feed == nil {
		return nil
	}
	events, err := e.config.Feed.Subscribe(ctx)
	if err != nil {
		e.config.Logger.Printf("Change feed unavailable, retrying next tick: %v", err)
		return nil
	}
	return events
}

func (e *Engine) logErr(err error) {
	if err != nil {
		e.config.Logger.Printf("Warning: %v", err)
	}
}
