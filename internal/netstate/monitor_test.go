package netstate

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prober struct {
	mu      sync.Mutex
	results []bool
	i       int
}

func (p *prober) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.results[len(p.results)-1]
	if p.i < len(p.results) {
		ok = p.results[p.i]
		p.i++
	}
	if !ok {
		return errors.New("unreachable")
	}
	return nil
}

func quiet() *Config {
	return &Config{Interval: 10 * time.Millisecond, Logger: log.New(io.Discard, "", 0)}
}

func TestMonitor_FiresOnFirstOnlineAndTransitions(t *testing.T) {
	ctx := context.Background()
	p := &prober{results: []bool{true, true, false, false, true, true, false, true}}
	m := New(p, quiet())

	fired := 0
	m.OnOnline(func(context.Context) { fired++ })

	var states []bool
	for range p.results {
		states = append(states, m.Check(ctx))
	}

	assert.Equal(t, []bool{true, true, false, false, true, true, false, true}, states)
	assert.Equal(t, 3, fired)
	assert.True(t, m.Online())
}

func TestMonitor_StartingOfflineDoesNotFire(t *testing.T) {
	p := &prober{results: []bool{false}}
	m := New(p, quiet())
	fired := false
	m.OnOnline(func(context.Context) { fired = true })

	assert.False(t, m.Check(context.Background()))
	assert.False(t, fired)
	assert.False(t, m.Online())
}

func TestMonitor_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &prober{results: []bool{false, false, true}}
	m := New(p, quiet())

	var fired atomic.Int32
	m.OnOnline(func(context.Context) { fired.Add(1) })

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.EqualValues(t, 1, fired.Load(), "stays online, no repeat")
}
