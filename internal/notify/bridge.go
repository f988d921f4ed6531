// Package notify turns sync events into user-facing signals: a short tone,
// a desktop notification and a badge count.
//
// The three effects are independent and best-effort. Each one that is not
// available is skipped silently, and a failure or panic in one never
// prevents the others from running.
package notify

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/mschirtzinger/offcache/internal/record"
)

// Tone plays a short audible cue.
type Tone interface {
	Play() error
}

// Notifier shows a system notification.
type Notifier interface {
	Notify(title, body string) error
}

// Badge displays an unread count.
type Badge interface {
	SetBadge(count int) error
}

// Config holds bridge configuration.
type Config struct {
	// Title of new-message notifications (default: "New message")
	Title string

	// NotificationsAllowed gates the system notification (permission)
	NotificationsAllowed bool

	// Logger for bridge activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Title:                "New message",
		NotificationsAllowed: true,
		Logger:               log.New(os.Stderr, "[notify] ", log.LstdFlags),
	}
}

// Bridge fans qualifying events out to the available effects.
type Bridge struct {
	tone     Tone
	notifier Notifier
	badge    Badge
	config   *Config

	mu     sync.Mutex
	unread int
}

// New creates a bridge. Any of tone, notifier and badge may be nil.
func New(config *Config, tone Tone, notifier Notifier, badge Badge) *Bridge {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Title == "" {
		config.Title = defaults.Title
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Bridge{tone: tone, notifier: notifier, badge: badge, config: config}
}

// NewMessages plays the tone, shows one notification summarizing msgs and
// raises the badge by len(msgs).
func (b *Bridge) NewMessages(ctx context.Context, msgs []record.ChatMessage) {
	if len(msgs) == 0 {
		return
	}

	b.mu.Lock()
	b.unread += len(msgs)
	count := b.unread
	b.mu.Unlock()

	if b.tone != nil {
		b.run("tone", b.tone.Play)
	}
	if b.notifier != nil && b.config.NotificationsAllowed {
		body := summarize(msgs)
		b.run("notification", func() error { return b.notifier.Notify(b.config.Title, body) })
	}
	b.setBadge(count)
}

// UpdateBadge sets the unread count to count.
func (b *Bridge) UpdateBadge(count int) {
	if count < 0 {
		count = 0
	}
	b.mu.Lock()
	b.unread = count
	b.mu.Unlock()
	b.setBadge(count)
}

// ResetBadge clears the unread count.
func (b *Bridge) ResetBadge() {
	b.UpdateBadge(0)
}

// Unread returns the current unread count.
func (b *Bridge) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread
}

func (b *Bridge) setBadge(count int) {
	if b.badge != nil {
		b.run("badge", func() error { return b.badge.SetBadge(count) })
	}
}

// run executes one effect, containing errors and panics.
func (b *Bridge) run(name string, effect func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.config.Logger.Printf("Warning: %s effect panicked: %v", name, r)
		}
	}()
	if err := effect(); err != nil {
		b.config.Logger.Printf("Warning: %s effect failed: %v", name, err)
	}
}

func summarize(msgs []record.ChatMessage) string {
	if len(msgs) == 1 {
		m := msgs[0]
		text := strings.TrimSpace(m.Text())
		if text == "" {
			text = "(empty)"
		}
		if m.SenderID == "" {
			return text
		}
		return fmt.Sprintf("%s: %s", m.SenderID, text)
	}
	return fmt.Sprintf("%d new messages", len(msgs))
}
