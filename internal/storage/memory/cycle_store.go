package memory

import (
	"context"
	"sort"
	"sync"

	"deribit-lab/internal/domain"
	"deribit-lab/internal/storage"
)

// CycleStore is an in-memory implementation of storage.CycleStore.
type CycleStore struct {
	mu      sync.RWMutex
	data    map[int64]*domain.CycleRecord // keyed by timestamp (Unix µs)
	columns map[string]struct{}
}

// NewCycleStore creates a new in-memory cycle store.
func NewCycleStore() *CycleStore {
	return &CycleStore{
		data:    make(map[int64]*domain.CycleRecord),
		columns: make(map[string]struct{}),
	}
}

// Compile-time interface checks.
var (
	_ storage.CycleStore    = (*CycleStore)(nil)
	_ storage.SchemaManager = (*CycleStore)(nil)
)

// Append adds a record. Returns ErrDuplicateKey if the timestamp exists.
func (s *CycleStore) Append(_ context.Context, r *domain.CycleRecord) error {
	if err := storage.ValidateRecord(r); err != nil {
		return err
	}

	key := r.Timestamp.UnixMicro()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[key] = r.Clone()
	for col := range r.Values {
		s.columns[col] = struct{}{}
	}
	return nil
}

// LoadRecentHistory returns up to limit records, most recent first.
func (s *CycleStore) LoadRecentHistory(_ context.Context, limit int) ([]*domain.CycleRecord, error) {
	if limit < 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]int64, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	if len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]*domain.CycleRecord, 0, len(keys))
	for _, k := range keys {
		result = append(result, s.data[k].Clone())
	}
	return result, nil
}

// EnsureColumns records the columns; an in-memory row has no fixed schema.
func (s *CycleStore) EnsureColumns(_ context.Context, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, col := range columns {
		if !storage.ValidIdentifier(col) {
			return storage.ErrInvalidInput
		}
		s.columns[col] = struct{}{}
	}
	return nil
}

// Columns returns every column seen so far, sorted.
func (s *CycleStore) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.columns))
	for c := range s.columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored records.
func (s *CycleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
