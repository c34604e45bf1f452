package cache

import (
	"context"
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

type memoryEntry struct {
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// MemoryCache is a per-process TTL map. Entries are checked for age on every
// read; the sweeper only reclaims memory.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memoryEntry
	now        Clock
	maxEntries int
}

// NewMemoryCache creates an empty cache. A nil clock means time.Now and a
// maxEntries of zero means unbounded.
func NewMemoryCache(clock Clock, maxEntries int) *MemoryCache {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{
		items:      make(map[string]memoryEntry),
		now:        clock,
		maxEntries: maxEntries,
	}
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	entry, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || entry.expired(m.now()) {
		return nil, false
	}
	return entry.value, true
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; !exists && m.maxEntries > 0 && len(m.items) >= m.maxEntries {
		m.sweepLocked(now)
		if len(m.items) >= m.maxEntries {
			m.evictOldestLocked()
		}
	}
	m.items[key] = memoryEntry{value: value, storedAt: now, ttl: ttl}
}

func (m *MemoryCache) Delete(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryCache) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (m *MemoryCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

func (m *MemoryCache) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"entries":     len(m.items),
		"max_entries": m.maxEntries,
	}
}

func (m *MemoryCache) sweepLocked(now time.Time) int {
	removed := 0
	for key, entry := range m.items {
		if entry.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range m.items {
		if oldestKey == "" || entry.storedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(m.items, oldestKey)
	}
}
