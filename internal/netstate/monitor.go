// Package netstate tracks connectivity to the record hub and announces when
// the device comes back online, which is what fires background sync.
package netstate

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Prober checks reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config holds monitor configuration.
type Config struct {
	// Interval between probes (default: 5s)
	Interval time.Duration

	// Timeout bounds a single probe (default: 3s)
	Timeout time.Duration

	// Logger for connectivity changes
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Second,
		Timeout:  3 * time.Second,
		Logger:   log.New(os.Stderr, "[net] ", log.LstdFlags),
	}
}

// Monitor probes on an interval and fires OnOnline handlers on the first
// online observation and on every offline to online transition.
type Monitor struct {
	prober Prober
	config *Config

	mu       sync.Mutex
	known    bool
	online   bool
	handlers []func(ctx context.Context)
}

// New creates a monitor.
func New(prober Prober, config *Config) *Monitor {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Monitor{prober: prober, config: config}
}

// OnOnline registers fn. Handlers run sequentially on the probing goroutine.
func (m *Monitor) OnOnline(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and returns the observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.prober.Ping(probeCtx)
	cancel()
	online := err == nil

	m.mu.Lock()
	wasKnown, wasOnline := m.known, m.online
	m.known, m.online = true, online
	handlers := append([]func(context.Context){}, m.handlers...)
	m.mu.Unlock()

	switch {
	case online && (!wasKnown || !wasOnline):
		m.config.Logger.Println("Online")
		for _, fn := range handlers {
			fn(ctx)
		}
	case !online && (!wasKnown || wasOnline):
		m.config.Logger.Printf("Offline: %v", err)
	}
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
