// Package cache implements named, size-bounded partitions of cached
// request/response entries on top of a kv.Backend.
//
// Partitions evict first-in-first-out: Trim always deletes the
// oldest-inserted entries and never a newer one. Eviction is by insertion
// order, not by access, so reading an entry does not protect it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mschirtzinger/offcache/internal/kv"
)

// ErrUnavailable wraps any failure of the underlying store. Callers treat it
// as "no cache" and carry on network-only.
var ErrUnavailable = errors.New("cache unavailable")

// Partition is a named bucket of entries with an optional bound.
// MaxSize 0 means unbounded: the partition never evicts.
type Partition struct {
	name    string
	store   kv.Store
	maxSize int
	logger  *log.Logger

	// writeMu serializes write-then-trim so concurrent writers never
	// observe each other's half-trimmed state. Shared per partition name.
	writeMu *sync.Mutex
}

// Name returns the versioned partition name.
func (p *Partition) Name() string {
	return p.name
}

// MaxSize returns the entry bound, 0 when unbounded.
func (p *Partition) MaxSize() int {
	return p.maxSize
}

// Match looks up key. A miss is (nil, false, nil).
func (p *Partition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := p.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is as good as a miss; drop it so it gets refetched.
		p.logger.Printf("Dropping undecodable entry %s in %s: %v", key, p.name, err)
		_ = p.store.Delete(ctx, key)
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put stores entry under key without trimming.
func (p *Partition) Put(ctx context.Context, key string, entry *Entry) error {
	entry.Key = key
	entry.Partition = p.name

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", key, err)
	}
	if err := p.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Store writes entry and then trims the partition to its bound. This is the
// write path for network-sourced responses.
func (p *Partition) Store(ctx context.Context, key string, entry *Entry) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.Put(ctx, key, entry); err != nil {
		return err
	}
	if p.maxSize > 0 {
		if _, err := p.Trim(ctx, p.maxSize); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key.
func (p *Partition) Delete(ctx context.Context, key string) error {
	if err := p.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Keys lists keys oldest insertion first.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return keys, nil
}

// Count returns the number of entries.
func (p *Partition) Count(ctx context.Context) (int, error) {
	n, err := p.store.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return n, nil
}

// Trim deletes exactly count-maxSize entries, oldest first, when the
// partition holds more than maxSize. It returns the number evicted.
// maxSize <= 0 is treated as unbounded.
func (p *Partition) Trim(ctx context.Context, maxSize int) (int, error) {
	if maxSize <= 0 {
		return 0, nil
	}

	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, err
	}
	excess := len(keys) - maxSize
	if excess <= 0 {
		return 0, nil
	}

	evicted := 0
	for _, key := range keys[:excess] {
		if err := p.Delete(ctx, key); err != nil {
			return evicted, err
		}
		evicted++
	}

	p.logger.Printf("Trimmed %d entries from %s (max %d)", evicted, p.name, maxSize)
	return evicted, nil
}
