package store

import (
	"context"
	"sync"
	"time"

	"github.com/finnblack/captionforge/internal/domain"
)

// MemoryStore is a process-scoped EntitlementStore backed by a map with a
// per-identity mutex. Suitable for development and single-node deployments;
// records live for the process lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[domain.Identity]*memoryEntry
}

type memoryEntry struct {
	mu     sync.Mutex
	record domain.UsageRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[domain.Identity]*memoryEntry),
	}
}

// entry returns the entry for an identity, creating it if create is set.
func (s *MemoryStore) entry(id domain.Identity, create bool, subscribed bool) (*memoryEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok || !create {
		return e, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock; another goroutine may have won.
	if e, ok := s.entries[id]; ok {
		return e, true
	}
	now := time.Now().UTC()
	e = &memoryEntry{
		record: domain.UsageRecord{
			Identity:   id,
			Subscribed: subscribed,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	s.entries[id] = e
	return e, true
}

// Get returns a copy of the record, or ENOTFOUND for unseen identities.
func (s *MemoryStore) Get(ctx context.Context, id domain.Identity) (*domain.UsageRecord, error) {
	e, ok := s.entry(id, false, false)
	if !ok {
		return nil, domain.NotFound("store.get", "usage record", id.String())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record
	return &rec, nil
}

// GetOrCreate returns the existing record or creates one with defaults.
func (s *MemoryStore) GetOrCreate(ctx context.Context, id domain.Identity, subscribed bool) (*domain.UsageRecord, error) {
	e, _ := s.entry(id, true, subscribed)

	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record
	return &rec, nil
}

// Update applies the mutator under the identity's lock and returns a copy.
func (s *MemoryStore) Update(ctx context.Context, id domain.Identity, fn func(*domain.UsageRecord)) (*domain.UsageRecord, error) {
	e, _ := s.entry(id, true, false)

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.record)
	e.record.Identity = id // the mutator must not re-key the record
	e.record.UpdatedAt = time.Now().UTC()
	rec := e.record
	return &rec, nil
}

// FindByCustomerID scans for a record with the given billing customer id.
func (s *MemoryStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error) {
	if customerID == "" {
		return nil, domain.NotFound("store.find_by_customer", "usage record", customerID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		e.mu.Lock()
		match := e.record.StripeCustomerID == customerID
		rec := e.record
		e.mu.Unlock()
		if match {
			return &rec, nil
		}
	}
	return nil, domain.NotFound("store.find_by_customer", "usage record", customerID)
}
