package notify

import (
	"time"

	"github.com/gen2brain/beeep"

	"github.com/mschirtzinger/offcache/internal/broadcast"
)

// MessageTypeBadge is the local event stream message carrying the count.
const MessageTypeBadge broadcast.MessageType = "badge"

// BeepTone plays a sine tone through the system speaker.
type BeepTone struct {
	Frequency float64
	Duration  time.Duration
}

// DefaultTone is a short 880 Hz cue.
var DefaultTone = BeepTone{Frequency: 880, Duration: 150 * time.Millisecond}

// Play implements Tone.
func (t BeepTone) Play() error {
	return beeep.Beep(t.Frequency, int(t.Duration.Milliseconds()))
}

// DesktopNotifier shows notifications through the OS notification service.
type DesktopNotifier struct {
	// Icon is an optional path to an icon file
	Icon string
}

// Notify implements Notifier.
func (n DesktopNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, n.Icon)
}

// HubBadge publishes the count on a broadcast hub, where local UI clients
// render it.
type HubBadge struct {
	Hub *broadcast.Hub
}

// SetBadge implements Badge.
func (b HubBadge) SetBadge(count int) error {
	msg, err := broadcast.NewMessage(MessageTypeBadge, map[string]int{"count": count})
	if err != nil {
		return err
	}
	b.Hub.Broadcast(msg)
	return nil
}
