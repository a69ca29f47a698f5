// Package cache provides a short-lived, concurrency-safe memoization layer for
// expensive brokerage read calls (portfolio and order history).
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

// Defaults match the polling cadence of the schedulers that call us.
const (
	DefaultTTL        = 2 * time.Minute
	DefaultMaxEntries = 1024
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

type entry struct {
	value     any
	expiresAt time.Time
}

// expiryItem orders entries by expiry so purges and evictions walk from the
// oldest entry.
type expiryItem struct {
	at  time.Time
	key string
}

func expiryLess(a, b expiryItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.key < b.key
}

// ResultCache is a TTL cache keyed by (account identity, method, arguments).
// Entries expire a fixed window after they are stored. Concurrent misses on
// the same key are not coalesced; each caller performs its own vendor call.
type ResultCache struct {
	mu         sync.RWMutex
	ttl        time.Duration
	maxEntries int
	now        Clock
	entries    map[string]entry
	expiry     *btree.BTreeG[expiryItem]
}

// New creates a ResultCache. Non-positive ttl or maxEntries fall back to the
// defaults; a nil clock uses time.Now.
func New(ttl time.Duration, maxEntries int, now Clock) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &ResultCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[string]entry),
		expiry:     btree.NewG[expiryItem](8, expiryLess),
	}
}

// Key builds a cache key from an account identity, a method name and the
// call arguments.
func Key(account, method string, args ...any) string {
	var b strings.Builder
	b.WriteString(account)
	b.WriteByte('|')
	b.WriteString(method)
	for _, a := range args {
		b.WriteByte('|')
		switch v := a.(type) {
		case time.Time:
			b.WriteString(v.Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

// Get returns the live value stored under key.
func (c *ResultCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for the cache's TTL.
func (c *ResultCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if old, ok := c.entries[key]; ok {
		c.expiry.Delete(expiryItem{at: old.expiresAt, key: key})
		delete(c.entries, key)
	}
	for len(c.entries) >= c.maxEntries {
		oldest, ok := c.expiry.DeleteMin()
		if !ok {
			break
		}
		delete(c.entries, oldest.key)
	}

	e := entry{value: value, expiresAt: now.Add(c.ttl)}
	c.entries[key] = e
	c.expiry.ReplaceOrInsert(expiryItem{at: e.expiresAt, key: key})
}

// Delete removes key.
func (c *ResultCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// InvalidateAccount drops every entry belonging to account. It is a no-op on
// a nil cache.
func (c *ResultCache) InvalidateAccount(account string) {
	if c == nil {
		return
	}
	prefix := account + "|"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.deleteLocked(key)
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// deleteLocked must be called with mu held.
func (c *ResultCache) deleteLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.expiry.Delete(expiryItem{at: e.expiresAt, key: key})
		delete(c.entries, key)
	}
}

// purgeExpired must be called with mu held.
func (c *ResultCache) purgeExpired(now time.Time) {
	for {
		oldest, ok := c.expiry.Min()
		if !ok || now.Before(oldest.at) {
			return
		}
		c.expiry.DeleteMin()
		delete(c.entries, oldest.key)
	}
}

// Memoize returns the cached value for key or calls fn and stores its result.
// Failed calls are never stored. clone copies values crossing the cache
// boundary so callers cannot mutate cached state; it may be nil for
// immutable values. A nil cache always calls fn.
func Memoize[T any](c *ResultCache, key string, clone func(T) T, fn func() (T, error)) (T, error) {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	if c == nil {
		return fn()
	}
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return clone(typed), nil
		}
	}

	v, err := fn()
	if err != nil {
		return v, err
	}
	c.Set(key, clone(v))
	return v, nil
}
