package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. It backs the memory store backend and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Begin(_ context.Context, want Entry) (Claim, error) {
	want.CreatedAt = want.CreatedAt.UTC()
	id := storageID(want.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.entries[id]
	claim, write, err := begin(existing, found, want)
	if err == nil && write {
		s.entries[id] = claim.Entry
	}
	return claim, err
}

func (s *MemoryStore) Finish(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := storageID(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.entries[id]
	entry, err := finish(existing, found, key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key, fingerprint string) error {
	id := storageID(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok && entry.Fingerprint == fingerprint {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed == limit {
			break
		}
		if entry.expiredAt(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
