package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/offcache/internal/broadcast"
	"github.com/mschirtzinger/offcache/internal/record"
)

// maxRecordBytes bounds a single upsert body.
const maxRecordBytes = 8 << 20

// ServerConfig holds hub server configuration.
type ServerConfig struct {
	// Addr to listen on (default: :8787)
	Addr string

	// Logger for hub activity
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:   ":8787",
		Logger: log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

// Server is the record hub: an HTTP API over a RecordStore plus a
// websocket feed announcing every upsert.
//
//	PUT  /records/{device_id}          upsert
//	GET  /records/latest?exclude=ID    most recent record of another device
//	GET  /records                      all records
//	GET  /feed                         websocket change feed
//	GET  /health                       status
type Server struct {
	store  *RecordStore
	feed   *broadcast.Hub
	config *ServerConfig

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewServer creates a hub server. feed may be shared with other handlers;
// the server starts it but does not own its shutdown.
func NewServer(store *RecordStore, feed *broadcast.Hub, config *ServerConfig) *Server {
	defaults := DefaultServerConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	feed.Start()
	return &Server{store: store, feed: feed, config: config}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /records/{device_id}", s.handleUpsert)
	mux.HandleFunc("GET /records/latest", s.handleLatest)
	mux.HandleFunc("GET /records", s.handleList)
	mux.Handle("GET /feed", s.feed)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Hub listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.config.Logger.Println("Hub stopped")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	var rec record.SyncRecord
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRecordBytes)).Decode(&rec); err != nil {
		http.Error(w, fmt.Sprintf("invalid record: %v", err), http.StatusBadRequest)
		return
	}
	if rec.DeviceID == "" {
		rec.DeviceID = deviceID
	}
	if rec.DeviceID != deviceID {
		http.Error(w, "device_id does not match path", http.StatusBadRequest)
		return
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	if err := s.store.Upsert(r.Context(), &rec); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, record.ErrInvalid) {
			status = http.StatusBadRequest
		}
		s.config.Logger.Printf("Upsert %s failed: %v", deviceID, err)
		http.Error(w, err.Error(), status)
		return
	}

	if msg, err := broadcast.NewMessage(MessageTypeRecordChanged, &rec); err == nil {
		s.feed.Broadcast(msg)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Latest(r.Context(), r.URL.Query().Get("exclude"))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.config.Logger.Printf("Latest failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*record.SyncRecord{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"records": n,
		"clients": s.feed.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
