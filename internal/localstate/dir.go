// Package localstate stores the device's local snapshot as plain JSON files
// in one directory, where the UI layer reads and edits them:
//
//	<dir>/settings.json      site settings (opaque)
//	<dir>/videos.json        videos (opaque)
//	<dir>/description.json   hero description (opaque)
//	<dir>/chat.json          chat log (array of messages)
//
// Writes are atomic (temp file + rename). The Dir remembers the content of
// its own last write per file so watchers can tell UI edits apart from
// writes made by the sync engine.
package localstate

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mschirtzinger/offcache/internal/record"
)

// Field identifies one tracked file.
type Field int

const (
	FieldSettings Field = iota
	FieldVideos
	FieldDescription
	FieldChat
)

// Fields lists every tracked field.
var Fields = []Field{FieldSettings, FieldVideos, FieldDescription, FieldChat}

// String returns a human-readable representation of the field.
func (f Field) String() string {
	switch f {
	case FieldSettings:
		return "settings"
	case FieldVideos:
		return "videos"
	case FieldDescription:
		return "description"
	case FieldChat:
		return "chat"
	default:
		return "unknown"
	}
}

// FileName returns the file backing the field.
func (f Field) FileName() string {
	return f.String() + ".json"
}

func fieldForFile(name string) (Field, bool) {
	for _, f := range Fields {
		if f.FileName() == name {
			return f, true
		}
	}
	return 0, false
}

// Dir is a directory-backed local snapshot. It is safe for concurrent use.
type Dir struct {
	path string

	mu      sync.Mutex
	written map[Field][32]byte
}

// Open creates the directory if needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}
	return &Dir{path: abs, written: make(map[Field][32]byte)}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string {
	return d.path
}

// FilePath returns the absolute path of field's file.
func (d *Dir) FilePath(f Field) string {
	return filepath.Join(d.path, f.FileName())
}

// Load reads the snapshot. Missing files are empty fields.
func (d *Dir) Load(ctx context.Context) (record.Snapshot, error) {
	var s record.Snapshot
	for _, f := range Fields {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		data, err := d.read(f)
		if err != nil {
			return s, err
		}
		switch f {
		case FieldSettings:
			s.SiteSettings = data
		case FieldVideos:
			s.Videos = data
		case FieldDescription:
			s.HeroDescription = data
		case FieldChat:
			if record.IsNull(data) {
				continue
			}
			if err := json.Unmarshal(data, &s.Chat); err != nil {
				return s, fmt.Errorf("failed to parse %s: %w", d.FilePath(f), err)
			}
		}
	}
	return s, nil
}

// Save writes every field of s whose content changed on disk. Null coarse
// fields are left alone.
func (d *Dir) Save(ctx context.Context, s record.Snapshot) error {
	chat := s.Chat
	if chat == nil {
		chat = []record.ChatMessage{}
	}
	chatData, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chat: %w", err)
	}

	for f, data := range map[Field][]byte{
		FieldSettings:    s.SiteSettings,
		FieldVideos:      s.Videos,
		FieldDescription: s.HeroDescription,
		FieldChat:        chatData,
	} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if record.IsNull(data) {
			continue
		}
		if err := d.write(f, data); err != nil {
			return err
		}
	}
	return nil
}

// IsSelfWrite reports whether field's current content is exactly what this
// Dir last wrote.
func (d *Dir) IsSelfWrite(f Field) bool {
	data, err := os.ReadFile(d.FilePath(f))
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.written[f]
	return ok && last == sha256.Sum256(data)
}

func (d *Dir) read(f Field) ([]byte, error) {
	data, err := os.ReadFile(d.FilePath(f))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.FilePath(f), err)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", d.FilePath(f))
	}
	return data, nil
}

// write replaces field's file atomically, skipping identical content.
func (d *Dir) write(f Field, data []byte) error {
	target := d.FilePath(f)
	if current, err := os.ReadFile(target); err == nil && string(current) == string(data) {
		return nil
	}

	tmp, err := os.CreateTemp(d.path, "."+f.FileName()+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	// Record before the rename so a watcher never sees the file unrecorded
	d.mu.Lock()
	d.written[f] = sha256.Sum256(data)
	d.mu.Unlock()

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}
