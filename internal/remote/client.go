package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/offcache/internal/broadcast"
	"github.com/mschirtzinger/offcache/internal/record"
)

// Client is the device-side Store and Feed over the hub's HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *log.Logger
}

// NewClient creates a client for the hub at baseURL. A nil httpClient uses
// a client with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse hub url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported hub url scheme %q", base.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{base: base, http: httpClient, logger: logger}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// Upsert implements Store.Upsert.
func (c *Client) Upsert(ctx context.Context, rec *record.SyncRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint("/records/"+url.PathEscape(rec.DeviceID), nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError("upsert", resp)
	}
	return nil
}

// Latest implements Store.Latest.
func (c *Client) Latest(ctx context.Context, exclude string) (*record.SyncRecord, error) {
	query := url.Values{}
	if exclude != "" {
		query.Set("exclude", exclude)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/records/latest", query), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("latest", resp)
	}

	var rec record.SyncRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

// Ping checks that the hub is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health", nil), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError("health", resp)
	}
	return nil
}

// Subscribe implements Feed over the hub's websocket endpoint.
func (c *Client) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	u := *c.base
	u.Path = c.base.Path + "/feed"
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect change feed: %w", err)
	}
	conn.SetReadLimit(maxRecordBytes)

	events := make(chan ChangeEvent, 16)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Printf("Change feed closed: %v", err)
				}
				return
			}

			var msg broadcast.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Printf("Ignoring malformed feed message: %v", err)
				continue
			}
			if msg.Type != MessageTypeRecordChanged {
				continue
			}

			var rec record.SyncRecord
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				c.logger.Printf("Ignoring malformed record: %v", err)
				continue
			}

			select {
			case events <- ChangeEvent{DeviceID: rec.DeviceID, UpdatedAt: rec.UpdatedAt, Record: &rec}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
