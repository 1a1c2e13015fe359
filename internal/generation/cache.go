package generation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"clinic-assistant/internal/domain"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 1000
)

// Cache stores generated replies by conversation hash. Implementations log
// their own failures; a failed Get is a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// CacheKey hashes the ordered role:content list, scoped to a tenant.
func CacheKey(tenantID string, messages []domain.ChatMessage) string {
	d := xxhash.New()
	for i, m := range messages {
		if i > 0 {
			_, _ = d.WriteString("|")
		}
		_, _ = d.WriteString(m.Role)
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(m.Content)
	}
	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(d.Sum64(), 16))
	return b.String()
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache with a hard capacity.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// CacheOption configures a MemoryCache.
type CacheOption func(*MemoryCache)

func WithTTL(d time.Duration) CacheOption {
	return func(c *MemoryCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithCapacity(n int) CacheOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *MemoryCache) { c.now = now }
}

func NewMemoryCache(opts ...CacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:  make(map[string]cacheEntry),
		ttl:      DefaultCacheTTL,
		capacity: DefaultCacheCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Set stores value. On overflow stale entries are swept first, then the
// entries closest to expiry are evicted.
func (c *MemoryCache) Set(_ context.Context, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = cacheEntry{value: value, expiresAt: now.Add(c.ttl)}
	if len(c.entries) <= c.capacity {
		return
	}
	c.sweepLocked(now)
	for len(c.entries) > c.capacity {
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if k == key {
				continue
			}
			if oldest == "" || e.expiresAt.Before(oldestAt) {
				oldest, oldestAt = k, e.expiresAt
			}
		}
		if oldest == "" {
			return
		}
		delete(c.entries, oldest)
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *MemoryCache) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len counts entries, stale ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps on every tick until ctx is done.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
