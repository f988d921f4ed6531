package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", FileName)

	want := DefaultConfig()
	want.DeviceID = "laptop"
	want.Cache.NetworkFirst = []string{"/api/", "example.com/live/*"}
	want.Sync.PullInterval = 30 * time.Second
	want.Sync.PushDebounce = 250 * time.Millisecond
	want.Log.File = "offcache.log"
	require.NoError(t, Write(path, want, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `pull_interval = "30s"`)
	assert.Contains(t, string(data), "[cache]")

	got, err := Load(New(path))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	err = Write(path, want, false)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, Write(path, want, true))
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Write(path, DefaultConfig(), false))

	t.Setenv("OFFCACHE_SYNC_REMOTE", "https://hub.example.com")
	t.Setenv("OFFCACHE_CACHE_IMAGE_MAX", "5")
	t.Setenv("OFFCACHE_SYNC_PUSH_DEBOUNCE", "2s")
	t.Setenv("OFFCACHE_DEVICE_ID", "phone")

	cfg, err := Load(New(path))
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com", cfg.Sync.Remote)
	assert.Equal(t, 5, cfg.Cache.ImageMax)
	assert.Equal(t, 2*time.Second, cfg.Sync.PushDebounce)
	assert.Equal(t, "phone", cfg.DeviceID)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[cache]\nimage_max = 0\n"), 0o644))

	_, err := Load(New(path))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "image_max")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"no version", func(c *Config) { c.Cache.Version = "" }, "cache.version"},
		{"zero pull", func(c *Config) { c.Sync.PullInterval = 0 }, "pull_interval"},
		{"negative debounce", func(c *Config) { c.Sync.PushDebounce = -time.Second }, "push_debounce"},
		{"zero probe", func(c *Config) { c.Sync.ProbeInterval = 0 }, "probe_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tt.field)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/offcache"
	assert.Equal(t, "/var/lib/offcache/offcache.db", cfg.DBPath())
	assert.Equal(t, "/var/lib/offcache/state", cfg.StateDir())
	assert.Equal(t, "/var/lib/offcache/hub.db", cfg.HubDBPath())

	cfg.Sync.StateDir = "/tmp/state"
	cfg.Hub.DB = "/srv/hub.db"
	assert.Equal(t, "/tmp/state", cfg.StateDir())
	assert.Equal(t, "/srv/hub.db", cfg.HubDBPath())
}

func TestEnsureDeviceID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	id, err := cfg.EnsureDeviceID()
	require.NoError(t, err)
	assert.Len(t, id, 36)

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "device_id"))
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(string(data)))

	// Persisted id is reused by a fresh config
	again := DefaultConfig()
	again.DataDir = cfg.DataDir
	id2, err := again.EnsureDeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	explicit := DefaultConfig()
	explicit.DeviceID = "tablet"
	id3, err := explicit.EnsureDeviceID()
	require.NoError(t, err)
	assert.Equal(t, "tablet", id3)
}
