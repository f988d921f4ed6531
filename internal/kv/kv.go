// Package kv defines the generic key/value abstraction that backs cache
// partitions, the pending-write queue and local bookkeeping.
//
// Keys within a bucket are insertion ordered. Putting an existing key
// replaces the value and moves the key to the newest position, so Keys()
// always lists the oldest-written key first.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// Store is a single named bucket of key/value pairs.
//
// Every operation is atomic at single-key granularity; no multi-key
// transactions are offered.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put inserts or replaces key. The key becomes the newest entry.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys, oldest insertion first.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the number of keys in the bucket.
	Len(ctx context.Context) (int, error)
}

// Backend hands out buckets and manages them as a whole.
type Backend interface {
	// Bucket returns the bucket with the given name. Buckets are created
	// lazily on first write.
	Bucket(name string) Store

	// Buckets lists the names of all non-empty buckets in sorted order.
	Buckets(ctx context.Context) ([]string, error)

	// DropBucket deletes every entry of the named bucket.
	DropBucket(ctx context.Context, name string) error
}
