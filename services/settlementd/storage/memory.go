package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"atomintents/native/intents"
)

// MemoryStore keeps settlements in process memory. It is intended for tests
// and development.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	history  map[string][]Transition
	byIntent map[string][]string
	clock    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		history:  make(map[string][]Transition),
		byIntent: make(map[string][]string),
		clock:    time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("settlement id required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("settlement %s: invalid status %q", rec.ID, rec.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("settlement %s: %w", rec.ID, intents.ErrDuplicateID)
	}
	stored := rec.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.records[rec.ID] = &stored
	s.byIntent[rec.IntentID] = append(s.byIntent[rec.IntentID], rec.ID)
	return nil
}

// UpdateStatus implements Store. The transition row is appended before the
// record is mutated.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, details Details) error {
	if !status.Valid() {
		return fmt.Errorf("settlement %s: invalid status %q", id, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("settlement %s: %w", id, intents.ErrNotFound)
	}
	if details.ExpectFrom != "" && rec.Status != details.ExpectFrom {
		return fmt.Errorf("settlement %s is %s, expected %s: %w", id, rec.Status, details.ExpectFrom, intents.ErrInvalidStateTransition)
	}
	next := rec.Clone()
	transition := apply(&next, status, details, s.clock())
	s.history[id] = append(s.history[id], transition)
	*rec = next
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("settlement %s: %w", id, intents.ErrNotFound)
	}
	return rec.Clone(), nil
}

// GetByIntent implements Store.
func (s *MemoryStore) GetByIntent(_ context.Context, intentID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byIntent[intentID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id].Clone())
	}
	sortRecords(out)
	return out, nil
}

// GetHistory implements Store.
func (s *MemoryStore) GetHistory(_ context.Context, id string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[id]; !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, intents.ErrNotFound)
	}
	return append([]Transition(nil), s.history[id]...), nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	return s.filter(clampLimit(limit), func(r *Record) bool { return r.Status == status }), nil
}

// ListBySolver implements Store.
func (s *MemoryStore) ListBySolver(_ context.Context, solverID string, limit int) ([]Record, error) {
	return s.filter(clampLimit(limit), func(r *Record) bool { return r.SolverID == solverID }), nil
}

// ListStuck implements Store.
func (s *MemoryStore) ListStuck(_ context.Context, threshold time.Time) ([]Record, error) {
	return s.filter(0, func(r *Record) bool {
		return !r.Status.Terminal() && r.UpdatedAt.Before(threshold)
	}), nil
}

func (s *MemoryStore) filter(limit int, keep func(*Record) bool) []Record {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
