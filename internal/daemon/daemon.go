// Package daemon runs the sync engine for one device.
//
// The daemon:
//  1. Runs the engine's pull/push/realtime loop
//  2. Watches the local state directory and reports edits made by the UI
//     to the engine as mutations, batched by a short debounce
//  3. Probes the hub and fires the sync-messages trigger whenever the
//     device comes back online
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/offcache/internal/localstate"
	"github.com/mschirtzinger/offcache/internal/netstate"
	"github.com/mschirtzinger/offcache/internal/queue"
	"github.com/mschirtzinger/offcache/internal/syncengine"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long local file changes must settle before
	// the engine reloads them. A UI saving several files at once produces
	// one mutation.
	DebounceInterval time.Duration

	// Watcher reports local edits (optional)
	Watcher *localstate.Watcher

	// Monitor fires background sync on reconnect (optional)
	Monitor *netstate.Monitor

	// Queue is drained when the monitor reports online (optional)
	Queue *queue.Queue

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is a point-in-time view of the daemon.
type Status struct {
	DeviceID string
	Online   bool
	Pending  int
	Sync     syncengine.Stats
}

// Daemon orchestrates the engine and its triggers.
type Daemon struct {
	engine *syncengine.Engine
	config *Config

	changeMu  sync.Mutex
	changedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon around engine. Use Start to begin syncing.
func New(engine *syncengine.Engine, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		engine: engine,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
	if config.Monitor != nil && config.Queue != nil {
		config.Monitor.OnOnline(d.drainMessages)
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for %s", d.engine.DeviceID())

	if err := d.engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load local state: %w", err)
	}

	if w := d.config.Watcher; w != nil {
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to watch local state: %w", err)
		}
		d.wg.Add(2)
		go d.watchChanges(w)
		go d.processChanges()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Run(d.ctx); err != nil {
			d.config.Logger.Printf("Sync engine stopped: %v", err)
			d.cancel()
		}
	}()

	if m := d.config.Monitor; m != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			m.Run(d.ctx)
		}()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return d.Stop()
	}
}

// Stop shuts the daemon down and waits for its goroutines. It is safe to
// call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if w := d.config.Watcher; w != nil {
			if stopErr := w.Stop(); stopErr != nil {
				d.config.Logger.Printf("Error closing watcher: %v", stopErr)
				err = stopErr
			}
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// Status reports engine counters, connectivity and the pending write count.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	s := Status{
		DeviceID: d.engine.DeviceID(),
		Online:   true,
		Sync:     d.engine.Stats(),
	}
	if m := d.config.Monitor; m != nil {
		s.Online = m.Online()
	}
	if q := d.config.Queue; q != nil {
		n, err := q.Len(ctx)
		if err != nil {
			return s, fmt.Errorf("failed to count pending writes: %w", err)
		}
		s.Pending = n
	}
	return s, nil
}

// watchChanges records UI edits for processChanges.
func (d *Daemon) watchChanges(w *localstate.Watcher) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case change, ok := <-w.Changes():
			if !ok {
				return
			}
			d.config.Logger.Printf("Local %s: %s", change.Op, change.Field)
			d.changeMu.Lock()
			d.changedAt = time.Now()
			d.changeMu.Unlock()

		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChanges hands settled changes to the engine.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changeMu.Lock()
			settled := !d.changedAt.IsZero() && time.Since(d.changedAt) >= d.config.DebounceInterval
			if settled {
				d.changedAt = time.Time{}
			}
			d.changeMu.Unlock()

			if settled {
				if err := d.engine.NotifyMutation(d.ctx); err != nil {
					d.config.Logger.Printf("Error applying local change: %v", err)
				}
			}
		}
	}
}

// drainMessages is the online handler: it replays queued chat sends.
func (d *Daemon) drainMessages(ctx context.Context) {
	res, err := d.config.Queue.Trigger(ctx, queue.TagMessages)
	if err != nil {
		d.config.Logger.Printf("Background sync failed: %v", err)
		return
	}
	if res.Attempted > 0 {
		d.config.Logger.Printf("Background sync: replayed %d of %d pending messages", res.Replayed, res.Attempted)
	}
}
