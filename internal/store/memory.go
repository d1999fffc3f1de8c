package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryTier is the in-process tier. Expired entries are dropped lazily on
// access and in bulk by Sweep.
type MemoryTier struct {
	mu    sync.RWMutex
	items map[string]*memoryEntry
	now   func() time.Time
}

// NewMemoryTier creates an empty in-process tier
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		items: make(map[string]*memoryEntry),
		now:   time.Now,
	}
}

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, error) {
	now := m.now()

	m.mu.RLock()
	entry, ok := m.items[key]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrMiss
	}
	expired := entry.expired(now)
	var out []byte
	if !expired {
		out = append([]byte(nil), entry.value...)
	}
	m.mu.RUnlock()

	if expired {
		m.mu.Lock()
		if current, still := m.items[key]; still && current.expired(m.now()) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return out, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrMiss {
		return false, nil
	}
	return err == nil, err
}

// Incr behaves like Redis INCR: missing keys start at zero and the ttl is
// applied only when the key is created.
func (m *MemoryTier) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var current int64
	next := &memoryEntry{}
	if entry, ok := m.items[key]; ok && !entry.expired(now) {
		n, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
		next.expiresAt = entry.expiresAt
	} else if ttl > 0 {
		next.expiresAt = now.Add(ttl)
	}

	// entries are never mutated once stored; readers may still hold the old one
	current++
	next.value = []byte(strconv.FormatInt(current, 10))
	m.items[key] = next
	return current, nil
}

// Sweep removes every expired entry and returns how many were dropped
func (m *MemoryTier) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.items {
		if entry.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
