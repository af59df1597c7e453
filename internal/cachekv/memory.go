package cachekv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache backend, used when cache.backend is
// "memory" (spec §6.4). Safe for concurrent use.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory creates an empty in-process cache.
func NewMemory() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.entries[key] = memEntry{value: append([]byte(nil), value...), expires: expires}
	return nil
}

func (c *MemoryCache) Incr(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && !e.expires.IsZero() && time.Now().After(e.expires) {
		ok = false
	}

	var current int64
	if ok {
		current, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	current += delta

	next := memEntry{value: []byte(strconv.FormatInt(current, 10))}
	if ok {
		next.expires = e.expires
	}
	c.entries[key] = next
	return current, nil
}

func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	} else {
		e.expires = time.Time{}
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expires.IsZero() {
		return 0, nil
	}
	remaining := time.Until(e.expires)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
