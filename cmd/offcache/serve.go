package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/broadcast"
	"github.com/mschirtzinger/offcache/internal/cache"
	"github.com/mschirtzinger/offcache/internal/intercept"
	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/notify"
	"github.com/mschirtzinger/offcache/internal/strategy"
	"github.com/mschirtzinger/offcache/internal/ui"
)

// MessageTypeCacheState announces strategy state transitions on the
// events stream.
const MessageTypeCacheState broadcast.MessageType = "cache_state"

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "cache",
	Short:   "Run the caching proxy in front of the app",
	Long: `Run an HTTP proxy in front of the upstream app that serves it offline.

Requests are routed by the interceptor:
  - static assets (js, css, fonts): cache-first, static partition
  - images: cache-first, bounded image partition
  - configured network-first routes (API calls): network, then cache
  - other GET requests: network, then cache, bounded dynamic partition

Failed page navigations fall back to the precached offline page.

Control endpoints:
  POST /__offcache/control   SKIP_ACTIVATION | CACHE_URLS | UPDATE_BADGE
  GET  /__offcache/events    websocket stream of cache and badge events
  GET  /__offcache/health    partition status`,
	Run: func(cmd *cobra.Command, args []string) {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Serve.Listen
		}
		upstream, err := url.Parse(cfg.Serve.Upstream)
		if err != nil || upstream.Host == "" {
			fatal("invalid upstream %q", cfg.Serve.Upstream)
		}

		db := openLocalDB()
		defer db.Close()

		manager := newManager(kv.NewSQLite(db))

		events := broadcast.New(&broadcast.Config{Logger: logger("events")})
		events.Start()
		defer events.Stop()

		icpt := newInterceptor(manager, upstream, events)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := icpt.Install(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s Precache failed, serving previous cache version: %v\n", ui.RenderWarn("⚠"), err)
		}

		proxy := httputil.NewSingleHostReverseProxy(upstream)
		proxy.Transport = icpt

		mux := http.NewServeMux()
		mux.Handle("/__offcache/control", icpt.ControlHandler())
		mux.Handle("/__offcache/events", events)
		mux.HandleFunc("GET /__offcache/health", func(w http.ResponseWriter, r *http.Request) {
			stats, err := manager.Stats(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":     "ok",
				"version":    manager.Version(),
				"installed":  icpt.Installed(),
				"active":     icpt.Active(),
				"partitions": stats,
				"clients":    events.ClientCount(),
			})
		})
		mux.Handle("/", proxy)

		server := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		fmt.Printf("%s Serving %s on http://%s\n", ui.RenderAccent("▶"), upstream, listen)
		fmt.Printf("   Cache version: %s\n", manager.Version())
		fmt.Printf("   Events: ws://%s/__offcache/events\n", listen)
		fmt.Println("\nPress Ctrl+C to stop...")

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				fatal("server failed: %v", err)
			}
		}

		fmt.Println("\nShutting down proxy...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fatal("during shutdown: %v", err)
		}
		fmt.Println("Proxy stopped")
	},
}

func newManager(backend kv.Backend) *cache.Manager {
	return cache.NewManager(backend, &cache.Config{
		Prefix:     cfg.Cache.Prefix,
		Version:    cfg.Cache.Version,
		ImageMax:   cfg.Cache.ImageMax,
		DynamicMax: cfg.Cache.DynamicMax,
		Logger:     logger("cache"),
	})
}

// newInterceptor wires the strategy engine and interceptor. events may be
// nil, in which case state transitions and badge counts are not published.
func newInterceptor(manager *cache.Manager, upstream *url.URL, events *broadcast.Hub) *intercept.Interceptor {
	var manifest *intercept.Manifest
	if cfg.Cache.Manifest != "" {
		m, err := intercept.LoadManifest(cfg.Cache.Manifest)
		if err != nil {
			fatal("%v", err)
		}
		manifest = m
	}
	if manifest != nil && manifest.OfflinePage == "" {
		manifest.OfflinePage = cfg.Cache.OfflinePage
	}

	strategyCfg := &strategy.Config{
		OfflinePage: cfg.Cache.OfflinePage,
		Logger:      logger("strategy"),
	}
	var badge intercept.BadgeUpdater
	if events != nil {
		strategyCfg.Observer = func(key string, state strategy.State) {
			msg, err := broadcast.NewMessage(MessageTypeCacheState, map[string]string{
				"key":   key,
				"state": state.String(),
			})
			if err == nil {
				events.Broadcast(msg)
			}
		}
		badge = notify.New(&notify.Config{Logger: logger("notify")}, nil, nil, notify.HubBadge{Hub: events})
	}

	engine := strategy.New(manager, http.DefaultTransport, strategyCfg)
	icpt, err := intercept.New(manager, engine, http.DefaultTransport, &intercept.Config{
		Origin:       upstream.String(),
		NetworkFirst: cfg.Cache.NetworkFirst,
		Manifest:     manifest,
		SkipWaiting:  cfg.Cache.SkipWaiting,
		Badge:        badge,
		Logger:       logger("intercept"),
	})
	if err != nil {
		fatal("%v", err)
	}
	return icpt
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default: serve.listen)")
	rootCmd.AddCommand(serveCmd)
}
