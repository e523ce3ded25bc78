package cache

import (
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Expiry is lazy: stale entries are dropped on the Get that observes them.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	// now is injectable for deterministic expiry tests.
	now func() time.Time
}

type memEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Get returns the entry stored under key if it hasn't expired.
func (s *MemoryStore) Get(key string) (*Entry, bool, error) {
	s.mu.RLock()
	me, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if now.After(me.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; a fresh Put may have raced in.
		if cur, ok := s.entries[key]; ok && s.now().After(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return me.entry, true, nil
}

// Put stores the entry under key with the given TTL.
func (s *MemoryStore) Put(key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	s.entries[key] = memEntry{
		entry:     entry,
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
