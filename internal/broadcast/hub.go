// Package broadcast fans JSON messages out to websocket clients.
//
// A Hub is an http.Handler: mount it on any mux, Start it, and every
// Broadcast is delivered to all connected clients. Slow or dead clients are
// dropped rather than allowed to stall the others.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names a broadcast message.
type MessageType string

// MessageTypeHello is sent to every client right after it connects.
const MessageTypeHello MessageType = "hello"

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with data marshaled to JSON.
func NewMessage(typ MessageType, data any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Config holds hub configuration.
type Config struct {
	// Buffer is the number of queued broadcasts before new ones are dropped
	// (default: 100)
	Buffer int

	// WriteTimeout bounds each client write (default: 5s)
	WriteTimeout time.Duration

	// Logger for hub activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Buffer:       100,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[broadcast] ", log.LstdFlags),
	}
}

// Hub manages websocket clients and delivers broadcasts.
type Hub struct {
	config *Config

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once
}

// New creates a hub. Call Start before broadcasting.
func New(config *Config) *Hub {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Buffer <= 0 {
		config.Buffer = defaults.Buffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:    config,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, config.Buffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the delivery loop. Calling it more than once is a no-op.
func (h *Hub) Start() {
	h.started.Do(func() {
		h.wg.Add(1)
		go h.broadcastLoop()
	})
}

// Stop disconnects every client and waits for the delivery loop to exit.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Broadcast queues msg for delivery. It never blocks: when the buffer is
// full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.config.Logger.Printf("Warning: broadcast buffer full, dropping %s", msg.Type)
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.config.Logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := h.write(conn, data); err != nil {
					h.config.Logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	hello, _ := NewMessage(MessageTypeHello, nil)
	data, _ := json.Marshal(hello)
	if err := h.write(conn, data); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.config.Logger.Printf("Client connected (total: %d)", count)

	go h.readLoop(conn)
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.config.Logger.Printf("Client disconnected (total: %d)", count)
}
