package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"careledger/internal/audit"
	"careledger/pkg/platform/sentinel"
)

// Store is an in-memory audit store for tests and local development. It
// mirrors the storage-layer immutability contract: no update or delete path
// exists at all, and anchoring only succeeds on an unanchored record.
type Store struct {
	mu      sync.RWMutex
	records []audit.EventRecord
	byID    map[uuid.UUID]int

	insertCalls int
}

func New() *Store {
	return &Store{byID: make(map[uuid.UUID]int)}
}

func (s *Store) InsertBatch(_ context.Context, records []audit.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertCalls++
	for _, rec := range records {
		if _, exists := s.byID[rec.ID]; exists {
			return fmt.Errorf("record %s: %w", rec.ID, sentinel.ErrImmutable)
		}
		s.byID[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
	}
	return nil
}

func (s *Store) List(_ context.Context, f audit.Filters, limit, offset int) ([]audit.EventRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.EventRecord
	for _, rec := range s.records {
		if matches(rec, f) {
			matched = append(matched, rec)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]audit.EventRecord{}, matched[offset:end]...), total, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (audit.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return audit.EventRecord{}, sentinel.ErrNotFound
	}
	return s.records[idx], nil
}

func (s *Store) Anchor(_ context.Context, id uuid.UUID, proofHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if s.records[idx].ExternalProofHash != "" {
		return sentinel.ErrAlreadyAnchored
	}
	s.records[idx].ExternalProofHash = proofHash
	return nil
}

func (s *Store) ActionCounts(_ context.Context, subjectID string) (map[audit.Action]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[audit.Action]int)
	for _, rec := range s.records {
		if rec.SubjectID == subjectID {
			counts[rec.Action]++
		}
	}
	return counts, nil
}

func (s *Store) Unanchored(_ context.Context, limit int) ([]audit.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.EventRecord
	for _, rec := range s.records {
		if rec.ExternalProofHash == "" {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertCalls reports how many batch inserts the store has received. Tests
// use it to assert batching behavior.
func (s *Store) InsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertCalls
}

func matches(rec audit.EventRecord, f audit.Filters) bool {
	if f.SubjectID != "" && rec.SubjectID != f.SubjectID {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.ResourceID != "" && rec.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && rec.ResourceType != f.ResourceType {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}
