package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/loadtest"
	"github.com/mschirtzinger/offcache/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "cache",
	Short:   "Load test the caching interceptor against a synthetic origin",
	Long: `Run concurrent clients through the interceptor backed by a throwaway
SQLite cache and a synthetic origin with fixed latency.

The URL mix is 50% static assets, 30% images and 20% network-first API
routes. After the load run, a coalescing check releases many requests for
one uncached URL at once and verifies the origin saw a single fetch.

Examples:
  # Default run (50 clients, 20 requests each, 500 URLs)
  offcache bench

  # Slow origin, more clients
  offcache bench --clients 200 --latency 50ms

  # Output results as JSON
  offcache bench --json
`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("clients", 50, "Number of concurrent clients")
	benchCmd.Flags().Int("requests", 20, "Requests per client")
	benchCmd.Flags().Int("assets", 500, "Number of distinct URLs")
	benchCmd.Flags().Duration("latency", 5*time.Millisecond, "Synthetic origin latency")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	clients, _ := cmd.Flags().GetInt("clients")
	requests, _ := cmd.Flags().GetInt("requests")
	assets, _ := cmd.Flags().GetInt("assets")
	latency, _ := cmd.Flags().GetDuration("latency")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if clients <= 0 || requests <= 0 || assets <= 0 {
		fatal("--clients, --requests and --assets must be positive")
	}
	if latency < 0 {
		fatal("--latency must not be negative")
	}

	dir, err := os.MkdirTemp("", "offcache-bench-")
	if err != nil {
		fatal("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	fixture, err := loadtest.CreateFixture(filepath.Join(dir, "bench.db"), assets, latency)
	if err != nil {
		fatal("%v", err)
	}
	defer fixture.Close()

	if !jsonOutput {
		fmt.Printf("\n%s Running %d clients x %d requests over %d URLs (origin latency %v)\n\n",
			ui.RenderAccent("⏱"), clients, requests, assets, latency)
	}

	start := time.Now()
	stats, err := fixture.RunConcurrentRequests(clients, requests)
	elapsed := time.Since(start)
	if err != nil {
		fatal("%v", err)
	}
	coalesceErr := fixture.VerifyCoalescing(clients)

	if jsonOutput {
		out := map[string]interface{}{
			"requests":        stats.Requests,
			"errors":          stats.Errors,
			"cache_hits":      stats.CacheHits,
			"network_fetches": stats.NetworkFetches,
			"hit_rate":        stats.HitRate(),
			"p50_ms":          float64(stats.P50) / float64(time.Millisecond),
			"p95_ms":          float64(stats.P95) / float64(time.Millisecond),
			"p99_ms":          float64(stats.P99) / float64(time.Millisecond),
			"throughput_rps":  float64(stats.Requests) / elapsed.Seconds(),
			"coalesced":       coalesceErr == nil,
			"fixture":         fixture.Stats(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatal("failed to encode results: %v", err)
		}
	} else {
		stats.PrintStats(os.Stdout)
		fmt.Println()
		fmt.Println(ui.Field("Duration", elapsed.Round(time.Millisecond)))
		fmt.Println(ui.Field("Throughput", fmt.Sprintf("%.0f req/s", float64(stats.Requests)/elapsed.Seconds())))
		fmt.Println(ui.Field("Upstream", fixture.Origin.Total()))
		if coalesceErr != nil {
			fmt.Printf("\n%s Coalescing: %v\n\n", ui.RenderFail("✗"), coalesceErr)
		} else {
			fmt.Printf("\n%s Coalescing: %d concurrent misses, 1 upstream fetch\n\n", ui.RenderPass("✓"), clients)
		}
	}

	// Non-zero exit for CI when the cache misbehaves
	if stats.Errors > 0 || coalesceErr != nil {
		os.Exit(1)
	}
}
