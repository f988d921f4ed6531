package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one entry of the chat log. Only id, sender_id and
// timestamp are interpreted; every other field is carried verbatim.
type ChatMessage struct {
	ID        string
	SenderID  string
	Timestamp time.Time
	Extra     map[string]json.RawMessage
}

// NewChatMessage creates a message with a fresh id. text is stored in the
// "text" field.
func NewChatMessage(senderID, text string, now time.Time) ChatMessage {
	body, _ := json.Marshal(text)
	return ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Timestamp: now.UTC(),
		Extra:     map[string]json.RawMessage{"text": body},
	}
}

// Text returns the "text" field, or "" when absent or not a string.
func (m ChatMessage) Text() string {
	var s string
	if raw, ok := m.Extra["text"]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// MarshalJSON flattens Extra next to the known fields.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}

	var err error
	if out["id"], err = json.Marshal(m.ID); err != nil {
		return nil, err
	}
	if out["sender_id"], err = json.Marshal(m.SenderID); err != nil {
		return nil, err
	}
	if out["timestamp"], err = json.Marshal(m.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known fields and keeps the rest in Extra.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var msg ChatMessage
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &msg.ID); err != nil {
			return fmt.Errorf("invalid chat message id: %w", err)
		}
		delete(fields, "id")
	}
	if raw, ok := fields["sender_id"]; ok {
		if err := json.Unmarshal(raw, &msg.SenderID); err != nil {
			return fmt.Errorf("invalid chat message sender_id: %w", err)
		}
		delete(fields, "sender_id")
	}
	if raw, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(raw, &msg.Timestamp); err != nil {
			return fmt.Errorf("invalid chat message timestamp: %w", err)
		}
		delete(fields, "timestamp")
	}
	if msg.ID == "" {
		return fmt.Errorf("chat message without id")
	}
	if len(fields) > 0 {
		msg.Extra = fields
	}

	*m = msg
	return nil
}

// MergeChat is the id-based union merge: the result holds every id from
// local and remote exactly once, keeping the variant with the later
// timestamp (local wins a tie), sorted ascending by timestamp with id as
// the tie-break.
func MergeChat(local, remote []ChatMessage) []ChatMessage {
	byID := make(map[string]ChatMessage, len(local)+len(remote))
	for _, m := range local {
		if cur, ok := byID[m.ID]; !ok || m.Timestamp.After(cur.Timestamp) {
			byID[m.ID] = m
		}
	}
	for _, m := range remote {
		if cur, ok := byID[m.ID]; !ok || m.Timestamp.After(cur.Timestamp) {
			byID[m.ID] = m
		}
	}

	merged := make([]ChatMessage, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sortChat(merged)
	return merged
}

func sortChat(msgs []ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
