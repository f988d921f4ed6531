package localstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offcache/internal/record"
)

func TestDir_LoadEmpty(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	s, err := d.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s.SiteSettings)
	assert.Nil(t, s.Chat)
}

func TestDir_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	msg := record.NewChatMessage("dev-1", "hello", time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	in := record.Snapshot{
		SiteSettings:    json.RawMessage(`{"theme":"dark"}`),
		Videos:          json.RawMessage(`["a","b"]`),
		HeroDescription: json.RawMessage(`"Welcome"`),
		Chat:            []record.ChatMessage{msg},
	}
	require.NoError(t, d.Save(ctx, in))

	out, err := d.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(out.SiteSettings))
	assert.JSONEq(t, `["a","b"]`, string(out.Videos))
	assert.JSONEq(t, `"Welcome"`, string(out.HeroDescription))
	require.Len(t, out.Chat, 1)
	assert.Equal(t, msg.ID, out.Chat[0].ID)
	assert.Equal(t, "hello", out.Chat[0].Text())

	for _, f := range Fields {
		assert.True(t, d.IsSelfWrite(f), f.String())
	}

	// No temp files left behind
	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	assert.Len(t, entries, len(Fields))
}

func TestDir_SaveSkipsNullFields(t *testing.T) {
	ctx := context.Background()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.FilePath(FieldVideos), []byte(`["keep"]`), 0o644))

	require.NoError(t, d.Save(ctx, record.Snapshot{SiteSettings: json.RawMessage(`{}`)}))

	data, err := os.ReadFile(d.FilePath(FieldVideos))
	require.NoError(t, err)
	assert.Equal(t, `["keep"]`, string(data))
	assert.False(t, d.IsSelfWrite(FieldVideos))
}

func TestDir_LoadRejectsCorruptFile(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.FilePath(FieldSettings), []byte(`{broken`), 0o644))

	_, err = d.Load(context.Background())
	assert.Error(t, err)
}

func TestDir_ExternalEditIsNotSelfWrite(t *testing.T) {
	ctx := context.Background()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Save(ctx, record.Snapshot{SiteSettings: json.RawMessage(`{"a":1}`)}))
	assert.True(t, d.IsSelfWrite(FieldSettings))

	require.NoError(t, os.WriteFile(d.FilePath(FieldSettings), []byte(`{"a":2}`), 0o644))
	assert.False(t, d.IsSelfWrite(FieldSettings))
}

func waitChange(t *testing.T, w *Watcher, timeout time.Duration) (Change, bool) {
	t.Helper()
	select {
	case c := <-w.Changes():
		return c, true
	case <-time.After(timeout):
		return Change{}, false
	}
}

func TestWatcher_ReportsExternalEdits(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	w, err := NewWatcher(d)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(d.FilePath(FieldVideos), []byte(`["new"]`), 0o644))

	c, ok := waitChange(t, w, 2*time.Second)
	require.True(t, ok, "expected a change event")
	assert.Equal(t, FieldVideos, c.Field)
	assert.Equal(t, OpWrite, c.Op)
}

func TestWatcher_IgnoresSelfWritesAndUntrackedFiles(t *testing.T) {
	ctx := context.Background()
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	w, err := NewWatcher(d)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, d.Save(ctx, record.Snapshot{HeroDescription: json.RawMessage(`"hi"`)}))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "notes.txt"), []byte("x"), 0o644))

	c, ok := waitChange(t, w, 300*time.Millisecond)
	assert.False(t, ok, "unexpected change: %+v", c)
}

func TestWatcher_StartTwiceAndStop(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	w, err := NewWatcher(d)
	require.NoError(t, err)

	require.NoError(t, w.Start())
	assert.Error(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, open := <-w.Changes()
	assert.False(t, open)
}
