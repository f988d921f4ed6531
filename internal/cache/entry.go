package cache

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Entry is one cached request/response pair. It is owned by exactly one
// partition and serialized as JSON inside the partition's bucket.
type Entry struct {
	Key       string      `json:"key"`
	Partition string      `json:"partition"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	StoredAt  time.Time   `json:"stored_at"`
}

// NewEntry builds an entry from response parts. The header is cloned.
func NewEntry(key string, status int, header http.Header, body []byte) *Entry {
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}

// Response materializes the entry as a fresh *http.Response for req.
// Every call returns an independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Key normalizes a method and URL into a cache key: the upper-cased method,
// a space, and the URL without its fragment.
func Key(method string, u *url.URL) string {
	if u == nil {
		return strings.ToUpper(method)
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return strings.ToUpper(method) + " " + clean.String()
}

// RequestKey returns the cache key for req.
func RequestKey(req *http.Request) string {
	return Key(req.Method, req.URL)
}
