package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mschirtzinger/offcache/internal/cache"
)

// Control message types.
const (
	ControlSkipActivation = "SKIP_ACTIVATION"
	ControlCacheURLs      = "CACHE_URLS"
	ControlUpdateBadge    = "UPDATE_BADGE"
)

// ErrUnknownControl is returned for control messages of an unknown type.
var ErrUnknownControl = errors.New("unknown control message")

// ControlMessage is an inbound instruction to the interceptor.
type ControlMessage struct {
	Type  string   `json:"type"`
	URLs  []string `json:"urls,omitempty"`
	Count int      `json:"count,omitempty"`
}

// HandleControl applies msg. CACHE_URLS fetches every URL even when some
// fail and reports the failures together.
func (i *Interceptor) HandleControl(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case ControlSkipActivation:
		return i.Activate(ctx)

	case ControlCacheURLs:
		dynamic := i.manager.Partition(cache.KindDynamic)
		var errs []error
		for _, raw := range msg.URLs {
			req, err := i.newRequest(ctx, raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := i.engine.Prefetch(req, dynamic); err != nil {
				i.config.Logger.Printf("CACHE_URLS: %v", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case ControlUpdateBadge:
		if msg.Count < 0 {
			return fmt.Errorf("invalid badge count %d", msg.Count)
		}
		if i.config.Badge != nil {
			i.config.Badge.UpdateBadge(msg.Count)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, msg.Type)
	}
}

// ControlHandler serves POST requests carrying a JSON ControlMessage.
func (i *Interceptor) ControlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var msg ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("invalid control message: %v", err), http.StatusBadRequest)
			return
		}

		if err := i.HandleControl(r.Context(), msg); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, ErrUnknownControl) || msg.Type == ControlUpdateBadge {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "type": msg.Type})
	})
}
