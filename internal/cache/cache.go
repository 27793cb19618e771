// Package cache stores finished diagrams keyed by request fingerprint so an
// identical request can be answered without running a backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
)

// ErrEmptyKey is returned when a cache key is empty.
var ErrEmptyKey = errors.New("cache key cannot be empty")

// Entry is a cached generation outcome.
type Entry struct {
	Artifact backend.Artifact `json:"artifact"`
	Method   catalog.Method   `json:"method"`
}

// Cache is a result cache. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
}

// Key fingerprints the parts of a request that determine its output.
// generation identifies the backend set's current template version, so
// entries made before a reload are never served after it.
func Key(req backend.Request, generation uint64) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(generation, 10)))
	h.Write([]byte{0})
	theme, _ := json.Marshal(req.Theme)
	h.Write([]byte(catalog.Normalize(req.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(req.Content))
	h.Write([]byte{0})
	h.Write(theme)
	return hex.EncodeToString(h.Sum(nil))
}

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache is an in-process cache with TTL expiry. A background
// goroutine evicts expired entries until Close is called.
type MemoryCache struct {
	mu      sync.RWMutex
	items   map[string]memoryItem
	ttl     time.Duration
	done    chan struct{}
	closeMu sync.Once
}

// NewMemoryCache creates a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false, nil
	}
	entry := item.entry
	return &entry, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, entry Entry) error {
	if key == "" {
		return ErrEmptyKey
	}
	c.mu.Lock()
	c.items[key] = memoryItem{entry: entry, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine.
func (c *MemoryCache) Close() error {
	c.closeMu.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryCache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, k)
		}
	}
}
