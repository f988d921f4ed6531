// Package strategy implements the cache-first and network-first fetch
// algorithms over cache partitions.
//
// Each request moves through the states
//
//	Init -> Checking -> {Fetching | Cached} -> {Cached | Failed}
//
// and always terminates with a served response: a cached or network
// response, the offline fallback document for page navigations, or a
// synthetic 503. Errors never escape to the caller.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/offcache/internal/cache"
)

// ErrNetwork wraps transport failures (connection refused, timeouts, body
// read errors). It is non-fatal and drives the fallback chain.
var ErrNetwork = errors.New("network error")

// HeaderSource names where a served response came from.
const HeaderSource = "X-Offcache-Source"

// Source is the value of HeaderSource.
type Source string

const (
	SourceCache     Source = "cache"
	SourceNetwork   Source = "network"
	SourceFallback  Source = "fallback"
	SourceSynthetic Source = "synthetic"
)

// State is a step of the per-request state machine.
type State int

const (
	StateInit State = iota
	StateChecking
	StateFetching
	StateCached
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateChecking:
		return "checking"
	case StateFetching:
		return "fetching"
	case StateCached:
		return "cached"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer is notified of every state transition. Used for tracing and tests.
type Observer func(key string, state State)

// Config configures the engine.
type Config struct {
	// OfflinePage is the path of the fallback document in the static
	// partition, served for failed page navigations (default: /offline.html)
	OfflinePage string

	// Observer receives state transitions (optional)
	Observer Observer

	// FetchTimeout bounds a shared network fetch once it no longer follows
	// any caller's context (default: 30s)
	FetchTimeout time.Duration

	// Logger for strategy activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OfflinePage:  "/offline.html",
		FetchTimeout: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[strategy] ", log.LstdFlags),
	}
}

// Engine runs the fetch strategies. It is safe for concurrent use.
type Engine struct {
	cache   *cache.Manager
	network http.RoundTripper
	config  *Config

	// flights coalesces concurrent network fetches of the same key so they
	// share one network call, one cache write and one outcome.
	flights singleflight.Group
}

// New creates an engine. network is the transport used for real fetches;
// nil means http.DefaultTransport.
func New(manager *cache.Manager, network http.RoundTripper, config *Config) *Engine {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.OfflinePage == "" {
		config.OfflinePage = defaults.OfflinePage
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if network == nil {
		network = http.DefaultTransport
	}
	return &Engine{cache: manager, network: network, config: config}
}

// fetched is a fully buffered network response, shareable across callers.
type fetched struct {
	status int
	header http.Header
	body   []byte
}

func (f *fetched) response(req *http.Request, source Source) *http.Response {
	header := f.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderSource, string(source))
	header.Set("Content-Length", strconv.Itoa(len(f.body)))
	return &http.Response{
		Status:        strconv.Itoa(f.status) + " " + http.StatusText(f.status),
		StatusCode:    f.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
		Request:       req,
	}
}

func (e *Engine) observe(key string, state State) {
	if e.config.Observer != nil {
		e.config.Observer(key, state)
	}
}

// CacheFirst serves from p when the key is cached, without contacting the
// network. On a miss it fetches; a 200 is stored (and p trimmed) before being
// returned. A network failure yields the offline document for navigations
// and a synthetic 503 otherwise.
func (e *Engine) CacheFirst(req *http.Request, p *cache.Partition) *http.Response {
	key := cache.RequestKey(req)
	e.observe(key, StateInit)

	e.observe(key, StateChecking)
	if entry, ok := e.match(req.Context(), p, key); ok {
		e.observe(key, StateCached)
		return withSource(entry.Response(req), SourceCache)
	}

	e.observe(key, StateFetching)
	f, err := e.fetch(req, key, p)
	if err != nil {
		e.config.Logger.Printf("Cache-first fetch failed for %s: %v", key, err)
		e.observe(key, StateFailed)
		return e.fallback(req)
	}

	e.observe(key, StateCached)
	return f.response(req, SourceNetwork)
}

// NetworkFirst always tries the network before consulting p. A 200 is
// stored (and p trimmed) before being returned. On a network failure the
// cached entry is served if present, then the offline document for
// navigations, then a synthetic 503.
func (e *Engine) NetworkFirst(req *http.Request, p *cache.Partition) *http.Response {
	key := cache.RequestKey(req)
	e.observe(key, StateInit)

	e.observe(key, StateFetching)
	f, err := e.fetch(req, key, p)
	if err == nil {
		e.observe(key, StateCached)
		return f.response(req, SourceNetwork)
	}
	e.config.Logger.Printf("Network-first fetch failed for %s: %v", key, err)

	e.observe(key, StateChecking)
	if entry, ok := e.match(req.Context(), p, key); ok {
		e.observe(key, StateCached)
		return withSource(entry.Response(req), SourceCache)
	}

	e.observe(key, StateFailed)
	return e.fallback(req)
}

// Prefetch fetches req and stores a 200 response into p. It is the
// CACHE_URLS path: nothing is served, the error is returned.
func (e *Engine) Prefetch(req *http.Request, p *cache.Partition) error {
	f, err := e.fetch(req, cache.RequestKey(req), p)
	if err != nil {
		return err
	}
	if f.status != http.StatusOK {
		return fmt.Errorf("failed to prefetch %s: status %d", req.URL, f.status)
	}
	return nil
}

// match reads the cache, degrading store failures to a miss.
func (e *Engine) match(ctx context.Context, p *cache.Partition, key string) (*cache.Entry, bool) {
	entry, ok, err := p.Match(ctx, key)
	if err != nil {
		e.config.Logger.Printf("Cache read failed for %s, continuing network-only: %v", key, err)
		return nil, false
	}
	return entry, ok
}

// fetch performs the network call for key, coalescing concurrent duplicates.
// A 200 response is written to p exactly once per flight.
//
// The shared call runs detached from the caller that started it, so a
// cancelled caller only abandons its own wait; the fetch and the cache write
// complete for every other waiter.
func (e *Engine) fetch(req *http.Request, key string, p *cache.Partition) (*fetched, error) {
	ch := e.flights.DoChan(p.Name()+"\x00"+key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), e.config.FetchTimeout)
		defer cancel()

		resp, err := e.network.RoundTrip(req.Clone(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read body: %w", ErrNetwork, err)
		}

		f := &fetched{status: resp.StatusCode, header: resp.Header.Clone(), body: body}
		if f.status == http.StatusOK {
			entry := cache.NewEntry(key, f.status, f.header, f.body)
			if err := p.Store(ctx, key, entry); err != nil {
				e.config.Logger.Printf("Failed to cache %s in %s: %v", key, p.Name(), err)
			}
		}
		return f, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fetched), nil
	case <-req.Context().Done():
		return nil, fmt.Errorf("%w: %w", ErrNetwork, req.Context().Err())
	}
}

// fallback is the end of every chain: the offline document for page
// navigations when it is precached, otherwise a synthetic 503.
func (e *Engine) fallback(req *http.Request) *http.Response {
	if IsNavigation(req) {
		offline := e.cache.Partition(cache.KindStatic)
		key := cache.Key(http.MethodGet, OfflineURL(req.URL, e.config.OfflinePage))
		if entry, ok := e.match(req.Context(), offline, key); ok {
			return withSource(entry.Response(req), SourceFallback)
		}
	}
	return Unavailable(req)
}

// OfflineURL resolves the offline document path against the request origin.
func OfflineURL(origin *url.URL, page string) *url.URL {
	return &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: page}
}

// IsNavigation reports whether req is a top-level page navigation.
func IsNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// Unavailable builds the synthetic 503 served when every path failed.
func Unavailable(req *http.Request) *http.Response {
	f := &fetched{
		status: http.StatusServiceUnavailable,
		header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		body:   []byte("Offline"),
	}
	return f.response(req, SourceSynthetic)
}

func withSource(resp *http.Response, source Source) *http.Response {
	resp.Header.Set(HeaderSource, string(source))
	return resp
}
