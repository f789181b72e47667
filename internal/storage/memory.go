package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// MemoryStore keeps the most recent records in process memory. The oldest
// record is evicted once capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []uuid.UUID // insertion order, oldest first
	byID     map[uuid.UUID]model.RunRecord
}

// NewMemoryStore creates a store holding at most capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{
		capacity: capacity,
		byID:     make(map[uuid.UUID]model.RunRecord, capacity),
	}
}

// SaveRuns stores records, skipping IDs already present.
func (s *MemoryStore) SaveRuns(_ context.Context, records []model.RunRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, r := range records {
		if _, ok := s.byID[r.ID]; ok {
			continue
		}
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.byID, oldest)
		}
		s.order = append(s.order, r.ID)
		s.byID[r.ID] = r
		inserted++
	}
	return inserted, nil
}

// GetRun returns one record by run ID.
func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return model.RunRecord{}, ErrNotFound
	}
	return r, nil
}

// ListRuns returns the most recently started runs.
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	out := make([]model.RunRecord, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	s.mu.RUnlock()

	SortRecords(out)
	if limit = ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) error { return nil }

// SortRecords orders records most recently started first, breaking ties by
// run ID so the order is stable.
func SortRecords(recs []model.RunRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.After(recs[j].StartedAt)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
}
