package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offcache/internal/config"
	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/logging"
	"github.com/mschirtzinger/offcache/internal/strategy"
)

func TestParseBefore(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-05-01", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"2026-05-01 08:30", time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)},
		{"2026-05-01T08:30:00Z", time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)},
		{"48h", now.Add(-48 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBefore(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}

	got, err := parseBefore("yesterday", now)
	require.NoError(t, err)
	assert.True(t, got.Before(now))
	assert.True(t, got.After(now.Add(-49*time.Hour)))

	_, err = parseBefore("-1h", now)
	assert.Error(t, err)
	_, err = parseBefore("whenever", now)
	assert.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("https://hub.example.com"))
	assert.Error(t, validateURL("ftp://hub"))
	assert.Error(t, validateURL("hub.example.com"))
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"init"}, {"serve"}, {"hub"}, {"bench"},
		{"cache", "status"}, {"cache", "install"}, {"cache", "activate"}, {"cache", "purge"},
		{"sync", "run"}, {"sync", "push"}, {"sync", "pull"}, {"sync", "send"}, {"sync", "status"},
		{"queue", "list"}, {"queue", "drain"}, {"queue", "abandon"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestProxyServesOfflineFromCache(t *testing.T) {
	cfg = config.DefaultConfig()
	logOut, _ = logging.Open(&logging.Config{Console: io.Discard})

	var down atomic.Bool
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "console.log(1)")
	}))
	defer app.Close()
	upstream, err := url.Parse(app.URL)
	require.NoError(t, err)

	icpt := newInterceptor(newManager(kv.NewMemory()), upstream, nil)
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = icpt
	front := httptest.NewServer(proxy)
	defer front.Close()

	get := func() *http.Response {
		resp, err := http.Get(front.URL + "/app.js")
		require.NoError(t, err)
		return resp
	}

	resp := get()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "console.log(1)", string(body))
	assert.Equal(t, string(strategy.SourceNetwork), resp.Header.Get(strategy.HeaderSource))

	down.Store(true)
	resp = get()
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log(1)", string(body))
	assert.Equal(t, string(strategy.SourceCache), resp.Header.Get(strategy.HeaderSource))
}
