// Package memory is an in-process vector index using brute-force cosine
// similarity.
package memory

import (
	"context"
	"fmt"
	"sync"

	"formulary/internal/domain"
	"formulary/internal/retry"
	"formulary/internal/vectorstore"
)

// Storage keeps entries in a map keyed by passage id. Safe for concurrent use.
type Storage struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]domain.IndexEntry
}

func NewStorage() *Storage { return &Storage{entries: make(map[string]domain.IndexEntry)} }

// Init sets the vector dimension. Calling it again with the same dimension
// keeps the stored entries; a different dimension on a non-empty index fails.
func (s *Storage) Init(_ context.Context, dimension int) error {
	if dimension <= 0 {
		return retry.Permanent(fmt.Errorf("%w: invalid dimension %d", domain.ErrIndexService, dimension))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension != 0 && s.dimension != dimension && len(s.entries) > 0 {
		return retry.Permanent(fmt.Errorf("%w: index holds %d-dimensional vectors, got %d", domain.ErrIndexService, s.dimension, dimension))
	}
	s.dimension = dimension
	return nil
}

func (s *Storage) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		return retry.Permanent(fmt.Errorf("%w: index not initialised", domain.ErrIndexService))
	}
	if err := vectorstore.CheckEntries(entries, s.dimension); err != nil {
		return err
	}
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		s.entries[e.Passage.ID] = e
	}
	return nil
}

func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.Passage.DocumentID == documentID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *Storage) Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Candidate, error) {
	if err := vectorstore.CheckFilter(filter); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Candidate, 0)
	for _, e := range s.entries {
		if !vectorstore.Matches(e.Passage.Metadata, filter) {
			continue
		}
		out = append(out, domain.Candidate{Passage: e.Passage, Score: vectorstore.Cosine(e.Vector, vector)})
	}
	return vectorstore.Top(out, topK), nil
}

// Len returns the number of stored entries.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
