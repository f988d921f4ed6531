// Package record defines the cross-device sync record and its merge rules.
//
// Coarse fields (site settings, videos, hero description) are opaque JSON
// blobs merged by whole-field replacement. The chat log is merged by id so
// concurrent appends on different devices are never lost.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is returned for records that fail validation.
var ErrInvalid = errors.New("invalid sync record")

// SyncRecord is one device's snapshot as stored remotely, unique by DeviceID.
type SyncRecord struct {
	DeviceID        string          `json:"device_id"`
	SiteSettings    json.RawMessage `json:"site_settings"`
	Videos          json.RawMessage `json:"videos"`
	HeroDescription json.RawMessage `json:"hero_description"`
	ChatMessages    json.RawMessage `json:"chat_messages"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks the fields the remote store depends on.
func (r *SyncRecord) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalid)
	}
	for name, raw := range map[string]json.RawMessage{
		"site_settings":    r.SiteSettings,
		"videos":           r.Videos,
		"hero_description": r.HeroDescription,
		"chat_messages":    r.ChatMessages,
	} {
		if !IsNull(raw) && !json.Valid(raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalid, name)
		}
	}
	if _, err := r.Chat(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Chat decodes the chat log. A null or absent log is empty.
func (r *SyncRecord) Chat() ([]ChatMessage, error) {
	if IsNull(r.ChatMessages) {
		return nil, nil
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(r.ChatMessages, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode chat_messages: %w", err)
	}
	return msgs, nil
}

// IsNull reports whether raw is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Snapshot is the local state tracked for sync.
type Snapshot struct {
	SiteSettings    json.RawMessage
	Videos          json.RawMessage
	HeroDescription json.RawMessage
	Chat            []ChatMessage
}

// Record builds the SyncRecord pushed for deviceID.
func (s Snapshot) Record(deviceID string, now time.Time) (*SyncRecord, error) {
	chat := s.Chat
	if chat == nil {
		chat = []ChatMessage{}
	}
	data, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat: %w", err)
	}
	return &SyncRecord{
		DeviceID:        deviceID,
		SiteSettings:    s.SiteSettings,
		Videos:          s.Videos,
		HeroDescription: s.HeroDescription,
		ChatMessages:    data,
		UpdatedAt:       now.UTC(),
	}, nil
}

// MergeResult is the outcome of merging a remote record into a snapshot.
type MergeResult struct {
	Snapshot Snapshot
	// Arrived holds messages whose id was not present locally.
	Arrived []ChatMessage
	// Changed reports whether any field differs from the input snapshot.
	Changed bool
}

// Merge applies remote onto s. Coarse fields are replaced whenever the
// remote carries a value; the chat log is union-merged by id.
func (s Snapshot) Merge(remote *SyncRecord) (MergeResult, error) {
	remoteChat, err := remote.Chat()
	if err != nil {
		return MergeResult{}, err
	}

	next := Snapshot{
		SiteSettings:    replace(s.SiteSettings, remote.SiteSettings),
		Videos:          replace(s.Videos, remote.Videos),
		HeroDescription: replace(s.HeroDescription, remote.HeroDescription),
		Chat:            MergeChat(s.Chat, remoteChat),
	}

	known := make(map[string]bool, len(s.Chat))
	for _, m := range s.Chat {
		known[m.ID] = true
	}
	var arrived []ChatMessage
	for _, m := range next.Chat {
		if !known[m.ID] {
			arrived = append(arrived, m)
		}
	}

	changed := !bytes.Equal(s.SiteSettings, next.SiteSettings) ||
		!bytes.Equal(s.Videos, next.Videos) ||
		!bytes.Equal(s.HeroDescription, next.HeroDescription) ||
		!sameChat(s.Chat, next.Chat)

	return MergeResult{Snapshot: next, Arrived: arrived, Changed: changed}, nil
}

// replace picks the merged value of a coarse field. A null or absent remote
// field keeps the local value; any other remote value overwrites it.
func replace(local, remote json.RawMessage) json.RawMessage {
	if IsNull(remote) {
		return local
	}
	return remote
}

func sameChat(a, b []ChatMessage) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	ea, err1 := json.Marshal(a)
	eb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ea, eb)
}
