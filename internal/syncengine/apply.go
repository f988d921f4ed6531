package syncengine

import (
	"fmt"

	"github.com/mschirtzinger/offcache/internal/record"
)

// EventKind identifies what happened.
type EventKind int

const (
	// EventMutation is a local edit; Event.Local carries the new snapshot.
	EventMutation EventKind = iota
	// EventPulled is the result of a scheduled pull; Event.Remote is set.
	EventPulled
	// EventRemoteChange is a realtime feed notification; Event.Remote is set.
	EventRemoteChange
	// EventSend appends Event.Message to the chat log.
	EventSend
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventMutation:
		return "mutation"
	case EventPulled:
		return "pulled"
	case EventRemoteChange:
		return "remote_change"
	case EventSend:
		return "send"
	default:
		return "unknown"
	}
}

// Event is an input to Apply.
type Event struct {
	Kind    EventKind
	Local   *record.Snapshot
	Remote  *record.SyncRecord
	Message *record.ChatMessage
}

// Effects are the side effects Apply asks the caller to perform.
type Effects struct {
	// Persist the new state locally.
	Persist bool
	// Push the new state to the remote (debounced).
	Push bool
	// NewMessages arrived from other devices and should be announced.
	NewMessages []record.ChatMessage
}

// Apply is the sync state transition: it never performs I/O.
//
// Remote records from deviceID itself are ignored. Remote records from
// other devices are merged (coarse fields replaced, chat merged by id).
func Apply(deviceID string, state record.Snapshot, ev Event) (record.Snapshot, Effects, error) {
	switch ev.Kind {
	case EventMutation:
		if ev.Local == nil {
			return state, Effects{}, fmt.Errorf("mutation event without snapshot")
		}
		return *ev.Local, Effects{Push: true}, nil

	case EventPulled, EventRemoteChange:
		if ev.Remote == nil {
			return state, Effects{}, fmt.Errorf("%s event without record", ev.Kind)
		}
		if ev.Remote.DeviceID == deviceID {
			return state, Effects{}, nil
		}

		result, err := state.Merge(ev.Remote)
		if err != nil {
			return state, Effects{}, fmt.Errorf("failed to merge record from %s: %w", ev.Remote.DeviceID, err)
		}

		var fresh []record.ChatMessage
		for _, m := range result.Arrived {
			if m.SenderID != deviceID {
				fresh = append(fresh, m)
			}
		}
		return result.Snapshot, Effects{Persist: result.Changed, NewMessages: fresh}, nil

	case EventSend:
		if ev.Message == nil || ev.Message.ID == "" {
			return state, Effects{}, fmt.Errorf("send event without message")
		}
		next := state
		next.Chat = record.MergeChat(state.Chat, []record.ChatMessage{*ev.Message})
		return next, Effects{Persist: true}, nil

	default:
		return state, Effects{}, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}
