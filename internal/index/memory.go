package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/jemings/deepwiki-open/internal/repo"
)

// MemoryStore is an exact nearest-neighbor store: brute-force cosine
// similarity over in-memory vectors. It is the default backend; indexes
// are rebuilt lazily after a restart, so process-lifetime storage is
// enough.
type MemoryStore struct {
	mu        sync.RWMutex
	byRef     map[string][]Record
	dimension int
}

// NewMemoryStore creates an empty store for vectors of the given
// dimension. Dimension 0 adopts the dimensionality of the first stored
// record set; all later records and queries must match it.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		byRef:     make(map[string][]Record),
		dimension: dimension,
	}
}

// Replace swaps the record set for ref.
func (s *MemoryStore) Replace(_ context.Context, ref repo.Ref, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension == 0 && len(records) > 0 {
		s.dimension = len(records[0].Vector)
	}
	for i, rec := range records {
		if len(rec.Vector) != s.dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(rec.Vector), s.dimension)
		}
	}
	s.byRef[ref.Key()] = records
	return nil
}

// Search scans all records for ref and returns the top k by cosine
// similarity, score descending, chunk id ascending on equal scores.
func (s *MemoryStore) Search(_ context.Context, ref repo.Ref, vector []float32, k int) ([]Scored, error) {
	s.mu.RLock()
	dimension := s.dimension
	records, ok := s.byRef[ref.Key()]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, ref)
	}
	if len(vector) != dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), dimension)
	}

	scored := make([]Scored, 0, len(records))
	for _, rec := range records {
		scored = append(scored, Scored{
			Chunk: rec.Chunk,
			Score: cosineSimilarity(vector, rec.Vector),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})

	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

// Drop removes ref's records.
func (s *MemoryStore) Drop(_ context.Context, ref repo.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRef, ref.Key())
	return nil
}

// cosineSimilarity computes the cosine of the angle between two vectors,
// 1 meaning identical direction.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
