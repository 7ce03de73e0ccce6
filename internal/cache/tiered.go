package cache

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strideapp/habitsync/internal/store"
)

// DataType partitions cached entries by payload kind. Each type carries its
// own TTL, memory bound, and persistence policy.
type DataType string

const (
	// DataCompletions holds individual habit completions. Short TTL: the
	// remote store is queried often and completions churn daily.
	DataCompletions DataType = "completions"

	// DataStreaks holds streak aggregates, the primary offline read path.
	DataStreaks DataType = "streaks"

	// DataCalendars holds derived month-view payloads. Large and cheap to
	// recompute, so they are deliberately kept out of the persistence tier.
	DataCalendars DataType = "calendars"

	// DataAnalytics holds derived analytics rollups.
	DataAnalytics DataType = "analytics"
)

// Policy controls how one data type is cached.
type Policy struct {
	// TTL is how long entries of this type stay fresh.
	TTL time.Duration

	// MaxEntries bounds the in-memory tier; entries with the earliest
	// WrittenAt are evicted first once the bound is exceeded.
	MaxEntries int

	// Persist mirrors writes of this type into the persistence tier.
	Persist bool

	// Namespace is the store namespace used when Persist is set.
	Namespace string
}

// DefaultPolicies returns the per-type cache policies.
func DefaultPolicies() map[DataType]Policy {
	return map[DataType]Policy{
		DataCompletions: {TTL: 5 * time.Minute, MaxEntries: 500, Persist: true, Namespace: store.NamespaceCompletions},
		DataStreaks:     {TTL: 30 * time.Minute, MaxEntries: 200, Persist: true, Namespace: store.NamespaceStreaks},
		DataCalendars:   {TTL: 30 * time.Minute, MaxEntries: 50, Persist: false},
		DataAnalytics:   {TTL: 2 * time.Hour, MaxEntries: 100, Persist: true, Namespace: store.NamespaceAnalytics},
	}
}

// Config holds configuration for a TieredCache.
type Config struct {
	// Policies maps each data type to its cache policy.
	// Defaults to DefaultPolicies().
	Policies map[DataType]Policy

	// SweepInterval is how often expired entries are removed from memory.
	SweepInterval time.Duration

	// Logger for cache activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Policies:      DefaultPolicies(),
		SweepInterval: time.Minute,
		Logger:        log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Stats is a snapshot of cache diagnostics. No functional behavior depends
// on these counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits/(hits+misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TieredCache is a two-level cache: a bounded in-memory tier in front of the
// SQLite persistence tier. Reads check memory first and promote persisted
// entries on a miss; writes go to memory and, for persist-worthy types, are
// mirrored to the store.
//
// Store failures are logged and swallowed: caching is best-effort and must
// never block the primary read/write path.
type TieredCache struct {
	tiers    map[DataType]*ChecksumCache[json.RawMessage]
	policies map[DataType]Policy
	store    *store.Store
	logger   *log.Logger

	sweepInterval time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a TieredCache backed by st. st may be nil for a memory-only
// cache (persist policies are then ignored).
//
// Call Start to run the background expiry sweep, and Stop on shutdown.
func New(cfg *Config, st *store.Store) *TieredCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	c := &TieredCache{
		tiers:         make(map[DataType]*ChecksumCache[json.RawMessage]),
		policies:      cfg.Policies,
		store:         st,
		logger:        cfg.Logger,
		sweepInterval: cfg.SweepInterval,
	}

	for typ, policy := range cfg.Policies {
		var onRemove func(string)
		if policy.Persist && st != nil {
			ns := policy.Namespace
			onRemove = func(key string) {
				if err := st.Delete(context.Background(), ns, key); err != nil {
					c.logger.Printf("Warning: failed to remove persisted entry %s/%s: %v", ns, key, err)
				}
			}
		}
		c.tiers[typ] = NewChecksumCache[json.RawMessage](onRemove)
	}

	return c
}

// Start launches the background expiry sweep. It returns immediately.
func (c *TieredCache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop halts the background sweep and waits for it to finish.
func (c *TieredCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Get returns the raw payload for a key, or ok=false on a miss. On a memory
// miss the persistence tier is consulted and a still-valid entry is promoted
// into memory before being returned.
func (c *TieredCache) Get(ctx context.Context, key string, typ DataType) (json.RawMessage, bool) {
	tier, ok := c.tiers[typ]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if data, ok := tier.Get(key); ok {
		c.hits.Add(1)
		return data, true
	}

	entry, ok := c.loadPersisted(ctx, key, typ)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	tier.PutEntry(key, entry)
	c.hits.Add(1)
	return entry.Data, true
}

// loadPersisted reads and validates an entry from the persistence tier.
func (c *TieredCache) loadPersisted(ctx context.Context, key string, typ DataType) (CacheEntry[json.RawMessage], bool) {
	policy := c.policies[typ]
	if !policy.Persist || c.store == nil {
		return CacheEntry[json.RawMessage]{}, false
	}

	raw, ok, err := c.store.Get(ctx, policy.Namespace, key)
	if err != nil {
		c.logger.Printf("Warning: failed to read persisted entry %s/%s: %v", policy.Namespace, key, err)
		return CacheEntry[json.RawMessage]{}, false
	}
	if !ok {
		return CacheEntry[json.RawMessage]{}, false
	}

	var entry CacheEntry[json.RawMessage]
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Printf("Warning: discarding unreadable persisted entry %s/%s: %v", policy.Namespace, key, err)
		c.removePersisted(policy.Namespace, key)
		return CacheEntry[json.RawMessage]{}, false
	}

	if entry.Expired(time.Now()) || Checksum(entry.Data) != entry.Checksum {
		c.removePersisted(policy.Namespace, key)
		return CacheEntry[json.RawMessage]{}, false
	}

	return entry, true
}

// Set writes a raw payload to the memory tier, enforces the type's memory
// bound, mirrors persist-worthy types to the store, and invalidates any
// dependency keys or patterns after the write.
func (c *TieredCache) Set(ctx context.Context, key string, payload json.RawMessage, typ DataType, dependencies ...string) {
	tier, ok := c.tiers[typ]
	if !ok {
		return
	}
	policy := c.policies[typ]

	if err := tier.Set(key, payload, policy.TTL); err != nil {
		c.logger.Printf("Warning: failed to cache %s: %v", key, err)
		return
	}

	for policy.MaxEntries > 0 && tier.Len() > policy.MaxEntries {
		if _, ok := tier.EvictOldest(); !ok {
			break
		}
		c.evictions.Add(1)
	}

	if policy.Persist && c.store != nil {
		if entry, ok := tier.GetEntry(key); ok {
			c.persist(ctx, policy.Namespace, key, entry)
		}
	}

	for _, dep := range dependencies {
		c.Invalidate(ctx, dep)
	}
}

// persist mirrors an entry to the persistence tier, best-effort.
func (c *TieredCache) persist(ctx context.Context, namespace, key string, entry CacheEntry[json.RawMessage]) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Printf("Warning: failed to serialize entry %s: %v", key, err)
		return
	}
	if err := c.store.Put(ctx, namespace, key, raw); err != nil {
		c.logger.Printf("Warning: failed to persist entry %s/%s: %v", namespace, key, err)
	}
}

// removePersisted deletes a persisted entry asynchronously.
func (c *TieredCache) removePersisted(namespace, key string) {
	go func() {
		if err := c.store.Delete(context.Background(), namespace, key); err != nil {
			c.logger.Printf("Warning: failed to remove persisted entry %s/%s: %v", namespace, key, err)
		}
	}()
}

// Invalidate removes entries matching the key or single-'*' pattern from
// every tier. Memory removal is synchronous; persistence-tier removal is
// asynchronous, so callers must not assume it has completed on return.
func (c *TieredCache) Invalidate(ctx context.Context, pattern string) int {
	var removed int
	for typ, tier := range c.tiers {
		removed += tier.Invalidate(pattern)

		policy := c.policies[typ]
		if policy.Persist && c.store != nil {
			ns := policy.Namespace
			go func() {
				if err := c.store.DeleteMatch(context.Background(), ns, pattern); err != nil {
					c.logger.Printf("Warning: failed to invalidate %s in %s: %v", pattern, ns, err)
				}
			}()
		}
	}
	return removed
}

// InvalidateAll clears every memory tier. The persistence tier is wiped
// separately via store.Clear.
func (c *TieredCache) InvalidateAll() {
	for _, tier := range c.tiers {
		tier.Invalidate("*")
	}
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (c *TieredCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// sweepLoop periodically removes expired entries from the memory tiers.
func (c *TieredCache) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var swept int
			for _, tier := range c.tiers {
				swept += tier.SweepExpired(now)
			}
			if swept > 0 {
				c.evictions.Add(uint64(swept))
				c.logger.Printf("Swept %d expired entries", swept)
			}
		}
	}
}

// GetTyped reads a cached value of type T. A stored payload that fails to
// deserialize counts as a miss.
func GetTyped[T any](ctx context.Context, c *TieredCache, key string, typ DataType) (T, bool) {
	var value T
	raw, ok := c.Get(ctx, key, typ)
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false
	}
	return value, true
}

// SetTyped serializes a value and writes it through Set.
func SetTyped[T any](ctx context.Context, c *TieredCache, key string, value T, typ DataType, dependencies ...string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.Set(ctx, key, raw, typ, dependencies...)
	return nil
}
