package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/mschirtzinger/offcache/internal/kv"
)

// Kind identifies one of the fixed partition roles.
type Kind string

const (
	// KindStatic holds precached and cache-first static assets. Unbounded.
	KindStatic Kind = "static"
	// KindDynamic holds network-first responses.
	KindDynamic Kind = "dynamic"
	// KindImage holds cache-first image responses.
	KindImage Kind = "image"
)

// Kinds lists every partition kind in a stable order.
var Kinds = []Kind{KindStatic, KindDynamic, KindImage}

// Config configures partition naming and bounds.
type Config struct {
	// Prefix identifies partitions owned by this app. Activation only ever
	// deletes partitions carrying this prefix.
	Prefix string

	// Version is embedded in every partition name. Changing it and
	// activating makes all entries of the previous version unreachable.
	Version string

	// ImageMax bounds the image partition (default: 100)
	ImageMax int

	// DynamicMax bounds the dynamic partition (default: 50)
	DynamicMax int

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns the standard partition bounds.
func DefaultConfig() *Config {
	return &Config{
		Prefix:     "offcache",
		Version:    "v1",
		ImageMax:   100,
		DynamicMax: 50,
		Logger:     log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// PartitionStats summarizes one partition for status output.
type PartitionStats struct {
	Name    string
	Count   int
	MaxSize int
	Current bool
}

// Manager owns the backend and hands out versioned partitions.
// It is the explicit replacement for ambient, module-level caches: create
// one, inject it into the strategy engine and interceptor, and drop it when
// done.
type Manager struct {
	backend kv.Backend
	config  *Config
	locks   sync.Map // partition name -> *sync.Mutex
}

// NewManager creates a manager on backend. A nil config uses DefaultConfig.
func NewManager(backend kv.Backend, config *Config) *Manager {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}
	if config.ImageMax <= 0 {
		config.ImageMax = defaults.ImageMax
	}
	if config.DynamicMax <= 0 {
		config.DynamicMax = defaults.DynamicMax
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Manager{backend: backend, config: config}
}

// Version returns the active cache version.
func (m *Manager) Version() string {
	return m.config.Version
}

// PartitionName returns the versioned name for kind: prefix-kind-version.
func (m *Manager) PartitionName(kind Kind) string {
	return fmt.Sprintf("%s-%s-%s", m.config.Prefix, kind, m.config.Version)
}

// MaxSize returns the bound configured for kind, 0 for unbounded.
func (m *Manager) MaxSize(kind Kind) int {
	switch kind {
	case KindImage:
		return m.config.ImageMax
	case KindDynamic:
		return m.config.DynamicMax
	default:
		return 0
	}
}

// Partition returns the current-version partition for kind.
func (m *Manager) Partition(kind Kind) *Partition {
	return m.Open(m.PartitionName(kind), m.MaxSize(kind))
}

// Open returns the partition with an explicit name and bound.
func (m *Manager) Open(name string, maxSize int) *Partition {
	mu, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	return &Partition{
		name:    name,
		store:   m.backend.Bucket(name),
		maxSize: maxSize,
		logger:  m.config.Logger,
		writeMu: mu.(*sync.Mutex),
	}
}

// AllowList returns the partition names of the current version.
func (m *Manager) AllowList() []string {
	names := make([]string, 0, len(Kinds))
	for _, kind := range Kinds {
		names = append(names, m.PartitionName(kind))
	}
	return names
}

// owned reports whether a bucket name belongs to this app's partitions.
func (m *Manager) owned(name string) bool {
	return strings.HasPrefix(name, m.config.Prefix+"-")
}

// Activate deletes every partition with the app prefix that is not in the
// current allow-list and returns the deleted names. Buckets without the
// prefix (queues, local state) are never touched.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.backend.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	allowed := make(map[string]bool)
	for _, name := range m.AllowList() {
		allowed[name] = true
	}

	var removed []string
	for _, name := range names {
		if !m.owned(name) || allowed[name] {
			continue
		}
		if err := m.backend.DropBucket(ctx, name); err != nil {
			return removed, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		m.config.Logger.Printf("Deleted stale partition %s", name)
		removed = append(removed, name)
	}

	return removed, nil
}

// Purge deletes every partition of the current version.
func (m *Manager) Purge(ctx context.Context) error {
	for _, name := range m.AllowList() {
		if err := m.backend.DropBucket(ctx, name); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	m.config.Logger.Printf("Purged partitions of version %s", m.config.Version)
	return nil
}

// Stats reports every partition owned by the app, current version first.
func (m *Manager) Stats(ctx context.Context) ([]PartitionStats, error) {
	var stats []PartitionStats
	for _, kind := range Kinds {
		p := m.Partition(kind)
		n, err := p.Count(ctx)
		if err != nil {
			return nil, err
		}
		stats = append(stats, PartitionStats{Name: p.Name(), Count: n, MaxSize: p.MaxSize(), Current: true})
	}

	names, err := m.backend.Buckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	current := make(map[string]bool)
	for _, name := range m.AllowList() {
		current[name] = true
	}
	for _, name := range names {
		if !m.owned(name) || current[name] {
			continue
		}
		n, err := m.backend.Bucket(name).Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		stats = append(stats, PartitionStats{Name: name, Count: n})
	}
	return stats, nil
}
