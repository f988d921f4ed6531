// Package loadtest drives the caching interceptor with many concurrent
// clients.
//
// It validates that cache-first hits stay fast under concurrency, that
// concurrent misses of the same URL share one upstream fetch, and that the
// SQLite-backed partitions survive concurrent reads and writes.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/offcache/internal/cache"
	"github.com/mschirtzinger/offcache/internal/intercept"
	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/storage"
	"github.com/mschirtzinger/offcache/internal/strategy"
)

// BaseURL is the synthetic origin every fixture URL lives under.
const BaseURL = "http://bench.local"

// Origin is a synthetic upstream that serves every path with a fixed
// latency and counts fetches per path.
type Origin struct {
	Latency time.Duration

	mu      sync.Mutex
	fetches map[string]int
	total   atomic.Int64
}

// NewOrigin creates an origin answering after latency.
func NewOrigin(latency time.Duration) *Origin {
	return &Origin{Latency: latency, fetches: make(map[string]int)}
}

// RoundTrip implements http.RoundTripper.
func (o *Origin) RoundTrip(req *http.Request) (*http.Response, error) {
	if o.Latency > 0 {
		select {
		case <-time.After(o.Latency):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	o.mu.Lock()
	o.fetches[req.URL.Path]++
	o.mu.Unlock()
	o.total.Add(1)

	body := "asset " + req.URL.Path
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {contentType(req.URL.Path)}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// Fetches returns how often path was fetched.
func (o *Origin) Fetches(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetches[path]
}

// Total returns the number of upstream fetches.
func (o *Origin) Total() int {
	return int(o.total.Load())
}

// Fixture is a populated interceptor for load testing.
type Fixture struct {
	DB          *storage.DB
	Manager     *cache.Manager
	Interceptor *intercept.Interceptor
	Origin      *Origin

	// URLs are the asset URLs clients pick from
	URLs []string

	Static int
	Images int
	API    int
}

// LatencyStats captures performance metrics from a load test.
type LatencyStats struct {
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	Requests int
	Errors   int

	// CacheHits counts responses served from a partition
	CacheHits int
	// NetworkFetches counts responses that came from upstream
	NetworkFetches int

	Durations []time.Duration
}

// CreateFixture opens a SQLite cache at dbPath in front of a synthetic
// origin with numAssets URLs.
//
// URLs are distributed as:
//   - 50% static assets (js, css, fonts), cache-first
//   - 30% images, cache-first in the bounded image partition
//   - 20% API routes, network-first
//
// Partition bounds are sized to hold every URL so that eviction does not
// skew the hit rate.
func CreateFixture(dbPath string, numAssets int, latency time.Duration) (*Fixture, error) {
	database, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	quiet := log.New(io.Discard, "", 0)
	manager := cache.NewManager(kv.NewSQLite(database), &cache.Config{
		Prefix:     "loadtest",
		Version:    "v1",
		ImageMax:   numAssets,
		DynamicMax: numAssets,
		Logger:     quiet,
	})
	origin := NewOrigin(latency)
	engine := strategy.New(manager, origin, &strategy.Config{Logger: quiet})
	icpt, err := intercept.New(manager, engine, origin, &intercept.Config{
		Origin:       BaseURL,
		NetworkFirst: []string{"/api/"},
		Logger:       quiet,
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to create interceptor: %w", err)
	}

	f := &Fixture{
		DB:          database,
		Manager:     manager,
		Interceptor: icpt,
		Origin:      origin,
		URLs:        generateURLs(numAssets),
	}
	for _, u := range f.URLs {
		switch {
		case strings.Contains(u, "/api/"):
			f.API++
		case strings.HasSuffix(u, ".png"), strings.HasSuffix(u, ".jpg"):
			f.Images++
		default:
			f.Static++
		}
	}
	return f, nil
}

// Close closes the database.
func (f *Fixture) Close() error {
	if f.DB != nil {
		return f.DB.Close()
	}
	return nil
}

// RunConcurrentRequests simulates numClients clients each issuing
// requestsPerClient GETs for randomly chosen fixture URLs.
func (f *Fixture) RunConcurrentRequests(numClients, requestsPerClient int) (*LatencyStats, error) {
	type result struct {
		durations []time.Duration
		hits      int
		network   int
	}

	var wg sync.WaitGroup
	results := make(chan result, numClients)
	errs := make(chan error, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			// Deterministic per-client order for reproducibility
			rng := rand.New(rand.NewSource(int64(42 + clientID)))
			var r result
			r.durations = make([]time.Duration, 0, requestsPerClient)

			for j := 0; j < requestsPerClient; j++ {
				u := f.URLs[rng.Intn(len(f.URLs))]
				start := time.Now()
				source, err := f.get(context.Background(), u)
				r.durations = append(r.durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("client %d request %d failed: %w", clientID, j, err)
					return
				}
				switch source {
				case strategy.SourceCache:
					r.hits++
				case strategy.SourceNetwork:
					r.network++
				}
			}
			results <- r
		}(i)
	}

	wg.Wait()
	close(results)
	close(errs)

	errorCount := 0
	for range errs {
		errorCount++
	}

	var all []time.Duration
	hits, network := 0, 0
	for r := range results {
		all = append(all, r.durations...)
		hits += r.hits
		network += r.network
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful requests completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	stats.CacheHits = hits
	stats.NetworkFetches = network
	return stats, nil
}

// VerifyCoalescing releases numClients requests for one uncached URL at the
// same instant and checks that the origin saw exactly one fetch.
func (f *Fixture) VerifyCoalescing(numClients int) error {
	path := fmt.Sprintf("/cold/%d.js", time.Now().UnixNano())

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			<-start
			if _, err := f.get(context.Background(), BaseURL+path); err != nil {
				errs <- fmt.Errorf("client %d: %w", clientID, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return err
	}
	if n := f.Origin.Fetches(path); n != 1 {
		return fmt.Errorf("expected 1 upstream fetch for %s, got %d", path, n)
	}
	return nil
}

// VerifyNoCorruption runs readers against warmed URLs for duration and
// checks every body matches its URL.
func (f *Fixture) VerifyNoCorruption(numClients int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(clientID)))

			for ctx.Err() == nil {
				u := f.URLs[rng.Intn(len(f.URLs))]
				req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, u, nil)
				if err != nil {
					errs <- err
					return
				}
				resp, err := f.Interceptor.RoundTrip(req)
				if err != nil {
					errs <- fmt.Errorf("client %d: %w", clientID, err)
					return
				}
				body, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err != nil {
					errs <- fmt.Errorf("client %d read failed: %w", clientID, err)
					return
				}
				if want := "asset " + req.URL.Path; string(body) != want {
					errs <- fmt.Errorf("client %d got %q for %s", clientID, body, u)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

// Stats returns the URL mix and upstream counters.
func (f *Fixture) Stats() map[string]interface{} {
	return map[string]interface{}{
		"urls":             len(f.URLs),
		"static":           f.Static,
		"images":           f.Images,
		"api":              f.API,
		"upstream_fetches": f.Origin.Total(),
	}
}

// get issues one GET through the interceptor and returns its source.
func (f *Fixture) get(ctx context.Context, rawURL string) (strategy.Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.Interceptor.RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %d", rawURL, resp.StatusCode)
	}
	return strategy.Source(resp.Header.Get(strategy.HeaderSource)), nil
}

// generateURLs builds count fixture URLs with the documented mix.
func generateURLs(count int) []string {
	kinds := []string{"js", "js", "css", "css", "woff2", "png", "png", "jpg", "api", "api"}
	urls := make([]string, count)
	for i := 0; i < count; i++ {
		switch kind := kinds[i%len(kinds)]; kind {
		case "api":
			urls[i] = fmt.Sprintf("%s/api/items/%05d", BaseURL, i)
		default:
			urls[i] = fmt.Sprintf("%s/assets/%05d.%s", BaseURL, i, kind)
		}
	}
	return urls
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".js"):
		return "text/javascript"
	case strings.HasSuffix(path, ".css"):
		return "text/css"
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".jpg"):
		return "image/jpeg"
	case strings.HasPrefix(path, "/api/"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Requests:  len(durations),
		Durations: sorted,
	}
}

// HitRate is the share of responses served from cache.
func (s *LatencyStats) HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Requests)
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Requests:      %d\n", s.Requests)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Cache hits:    %d (%.1f%%)\n", s.CacheHits, s.HitRate()*100)
	fmt.Fprintf(w, "  Network:       %d\n", s.NetworkFetches)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
