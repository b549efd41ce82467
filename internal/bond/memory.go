package bond

import (
	"context"
	"sync"
)

// MemoryStore keeps bonds in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Record)}
}

// Upsert merges records for adapterID.
func (s *MemoryStore) Upsert(ctx context.Context, adapterID string, records []Record) error {
	if err := ValidateAll(records); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.data[adapterID]
	if !ok {
		set = make(map[string]Record)
		s.data[adapterID] = set
	}
	Merge(set, records)
	return nil
}

// List returns adapterID's records.
func (s *MemoryStore) List(ctx context.Context, adapterID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Sorted(s.data[adapterID]), nil
}
