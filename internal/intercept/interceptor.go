// Package intercept fronts outbound HTTP traffic with the offline cache.
//
// The Interceptor is an http.RoundTripper: GET requests over http(s) are
// classified and handed to the matching fetch strategy, everything else
// goes straight to the underlying transport. It also owns the cache version
// lifecycle (install, activate) and accepts control messages.
package intercept

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/mschirtzinger/offcache/internal/cache"
	"github.com/mschirtzinger/offcache/internal/strategy"
)

// BadgeUpdater receives UPDATE_BADGE control messages.
type BadgeUpdater interface {
	UpdateBadge(count int)
}

// Config configures the interceptor.
type Config struct {
	// Origin resolves relative URLs in the manifest and in CACHE_URLS
	Origin string

	// NetworkFirst lists host+path patterns routed network-first
	NetworkFirst []string

	// Manifest lists the URLs precached on Install (optional)
	Manifest *Manifest

	// SkipWaiting activates immediately after a successful Install
	SkipWaiting bool

	// Badge handles UPDATE_BADGE (optional; nil ignores the count)
	Badge BadgeUpdater

	// Logger for interceptor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Origin: "http://localhost:8080",
		Logger: log.New(os.Stderr, "[intercept] ", log.LstdFlags),
	}
}

// Interceptor routes requests through the cache strategies.
type Interceptor struct {
	manager    *cache.Manager
	engine     *strategy.Engine
	network    http.RoundTripper
	classifier *Classifier
	config     *Config
	origin     *url.URL

	mu        sync.Mutex
	installed bool
	active    bool
}

// New creates an interceptor. network carries pass-through traffic and
// should be the same transport the strategy engine fetches with.
func New(manager *cache.Manager, engine *strategy.Engine, network http.RoundTripper, config *Config) (*Interceptor, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Origin == "" {
		config.Origin = defaults.Origin
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if network == nil {
		network = http.DefaultTransport
	}

	origin, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin %q: %w", config.Origin, err)
	}

	return &Interceptor{
		manager:    manager,
		engine:     engine,
		network:    network,
		classifier: NewClassifier(config.NetworkFirst, manager.MaxSize(cache.KindImage), manager.MaxSize(cache.KindDynamic)),
		config:     config,
		origin:     origin,
	}, nil
}

// Classifier returns the classifier used for routing.
func (i *Interceptor) Classifier() *Classifier {
	return i.classifier
}

// RoundTrip implements http.RoundTripper. Intercepted requests never return
// an error: every failure ends in a fallback response.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	route, ok := i.classifier.Classify(req)
	if !ok {
		return i.network.RoundTrip(req)
	}
	return i.Dispatch(req, route), nil
}

// Dispatch runs the strategy named by route.
func (i *Interceptor) Dispatch(req *http.Request, route Route) *http.Response {
	p := i.manager.Partition(route.Partition)
	switch route.Strategy {
	case CacheFirst:
		return i.engine.CacheFirst(req, p)
	default:
		return i.engine.NetworkFirst(req, p)
	}
}

// Install precaches the manifest into the current version's static
// partition. Any failed URL fails the install and leaves the previous
// version active. With SkipWaiting the new version is activated right away.
func (i *Interceptor) Install(ctx context.Context) error {
	static := i.manager.Partition(cache.KindStatic)

	if m := i.config.Manifest; m != nil {
		for _, raw := range m.URLs() {
			req, err := i.newRequest(ctx, raw)
			if err != nil {
				return err
			}
			if err := i.engine.Prefetch(req, static); err != nil {
				return fmt.Errorf("failed to precache %s: %w", raw, err)
			}
		}
		i.config.Logger.Printf("Precached %d URLs into %s", len(m.URLs()), static.Name())
	}

	i.mu.Lock()
	i.installed = true
	i.mu.Unlock()

	if i.config.SkipWaiting {
		return i.Activate(ctx)
	}
	return nil
}

// Activate deletes every owned partition outside the current allow-list.
func (i *Interceptor) Activate(ctx context.Context) error {
	removed, err := i.manager.Activate(ctx)
	if err != nil {
		return fmt.Errorf("failed to activate %s: %w", i.manager.Version(), err)
	}

	i.mu.Lock()
	i.active = true
	i.mu.Unlock()

	if len(removed) > 0 {
		i.config.Logger.Printf("Activated %s, removed stale partitions: %v", i.manager.Version(), removed)
	}
	return nil
}

// Installed reports whether Install completed.
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installed
}

// Active reports whether the current version has been activated.
func (i *Interceptor) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// newRequest builds a GET for raw, resolved against the configured origin.
func (i *Interceptor) newRequest(ctx context.Context, raw string) (*http.Request, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url %q: %w", raw, err)
	}
	target := i.origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", target, err)
	}
	return req, nil
}
