// Package cache implements the local caching layer: a generic checksummed
// entry store and a two-tier (memory + persisted) cache built on top of it.
//
// Entries carry integrity metadata so corruption is detected at read time and
// discarded rather than served. The checksum is a 32-bit FNV-1a content hash,
// adequate for detecting accidental corruption, not a cryptographic guarantee.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a cached value plus integrity metadata.
type CacheEntry[T any] struct {
	Data      T         `json:"data"`
	WrittenAt time.Time `json:"written_at"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given time.
func (e CacheEntry[T]) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Checksum computes the 32-bit FNV-1a content hash of serialized data,
// rendered as 8 hex digits.
func Checksum(data []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}

// ChecksumCache is a typed in-memory store mapping string keys to values with
// automatic corruption and staleness detection.
//
// Get returns a miss if the key is absent, the entry is past its TTL, or the
// recomputed checksum differs from the stored one; in the latter two cases the
// entry is deleted as a side effect. Corruption must never be served.
//
// The optional onRemove hook is invoked asynchronously for every key removed
// by invalidation, expiry, corruption, or eviction; the tiered cache uses it
// to mirror removals into the persistence tier. Callers must not assume the
// hook has completed when a method returns.
//
// All methods are safe for concurrent use.
type ChecksumCache[T any] struct {
	mu       sync.Mutex
	entries  map[string]CacheEntry[T]
	onRemove func(key string)
}

// NewChecksumCache creates an empty cache. onRemove may be nil.
func NewChecksumCache[T any](onRemove func(key string)) *ChecksumCache[T] {
	return &ChecksumCache[T]{
		entries:  make(map[string]CacheEntry[T]),
		onRemove: onRemove,
	}
}

// Set serializes the value, computes its checksum, and stores a new entry
// expiring after ttl. Each write produces a fresh entry value; versions
// increment monotonically per key.
func (c *ChecksumCache[T]) Set(key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value: %w", err)
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	version := 1
	if prev, ok := c.entries[key]; ok {
		version = prev.Version + 1
	}

	c.entries[key] = CacheEntry[T]{
		Data:      value,
		WrittenAt: now,
		Version:   version,
		Checksum:  Checksum(data),
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

// Get returns the cached value, or ok=false on a miss. Expired and corrupted
// entries are removed as a side effect and reported as misses.
func (c *ChecksumCache[T]) Get(key string) (T, bool) {
	entry, ok := c.GetEntry(key)
	if !ok {
		var zero T
		return zero, false
	}
	return entry.Data, true
}

// GetEntry is Get but returns the full entry with its metadata.
func (c *ChecksumCache[T]) GetEntry(key string) (CacheEntry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return CacheEntry[T]{}, false
	}

	if entry.Expired(time.Now()) {
		c.removeLocked(key)
		return CacheEntry[T]{}, false
	}

	data, err := json.Marshal(entry.Data)
	if err != nil || Checksum(data) != entry.Checksum {
		// Corrupted entry: discard, never trust.
		c.removeLocked(key)
		return CacheEntry[T]{}, false
	}

	return entry, true
}

// PutEntry stores an entry with its existing metadata intact. Used when
// promoting an entry from the persistence tier; the entry is assumed to have
// been validated by the caller.
func (c *ChecksumCache[T]) PutEntry(key string, entry CacheEntry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// Invalidate removes entries matching the key or pattern (a single '*'
// wildcard is supported) and returns the number removed. Removal from memory
// is synchronous; the onRemove hook runs asynchronously.
func (c *ChecksumCache[T]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.Contains(pattern, "*") {
		if _, ok := c.entries[pattern]; !ok {
			return 0
		}
		c.removeLocked(pattern)
		return 1
	}

	var removed int
	for key := range c.entries {
		if MatchPattern(pattern, key) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held.
func (c *ChecksumCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EvictOldest removes the entry with the earliest WrittenAt and returns its
// key, or ok=false if the cache is empty.
func (c *ChecksumCache[T]) EvictOldest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.WrittenAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.WrittenAt
			found = true
		}
	}
	if !found {
		return "", false
	}

	// Eviction drops the memory copy only; the onRemove hook is for
	// invalidation and corruption, where the persisted copy must go too.
	delete(c.entries, oldestKey)
	return oldestKey, true
}

// SweepExpired removes all entries past their TTL and returns the count.
func (c *ChecksumCache[T]) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, entry := range c.entries {
		if entry.Expired(now) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// removeLocked deletes a key and fires the async removal hook.
// Caller must hold c.mu.
func (c *ChecksumCache[T]) removeLocked(key string) {
	delete(c.entries, key)
	if c.onRemove != nil {
		go c.onRemove(key)
	}
}

// MatchPattern reports whether key matches a pattern containing at most one
// '*' wildcard. Without a wildcard the match is exact.
func MatchPattern(pattern, key string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == key
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(key) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(key, prefix) &&
		strings.HasSuffix(key, suffix)
}
