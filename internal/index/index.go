// Package index builds and queries per-repository nearest-neighbor
// indexes over chunk embeddings. An index is always uniform: one
// embedding model, one dimensionality. Changing the model means a full
// rebuild, never a mix.
package index

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/repo"
)

var (
	// ErrDimensionMismatch indicates a vector of the wrong size for the store.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNotBuilt indicates a query against a repository with no index.
	ErrNotBuilt = errors.New("index not built")
)

// Record pairs a chunk with its embedding.
type Record struct {
	Chunk  ingest.Chunk
	Vector []float32
}

// Scored is one retrieval result.
type Scored struct {
	Chunk ingest.Chunk
	Score float64
}

// VectorStore is the nearest-neighbor backend. Implementations must
// return search results ordered by score descending with chunk id
// ascending as the tiebreaker, so retrieval is reproducible.
type VectorStore interface {
	// Replace swaps the full record set for a repository. Indexing is
	// all-or-nothing per repository; partial replaces must not be
	// observable.
	Replace(ctx context.Context, ref repo.Ref, records []Record) error

	// Search returns the k nearest records for the repository.
	Search(ctx context.Context, ref repo.Ref, vector []float32, k int) ([]Scored, error)

	// Drop removes a repository's records.
	Drop(ctx context.Context, ref repo.Ref) error
}

// FailedChunk records a chunk excluded from the index after its
// embedding could not be computed.
type FailedChunk struct {
	ChunkID string
	Path    string
	Reason  string
}

// Meta describes how and when a handle's index was built.
type Meta struct {
	Model     string
	Dimension int
	BuiltAt   time.Time
	Indexed   int
	// Failed lists chunks excluded from the index. Never silently
	// dropped: callers can surface the omission.
	Failed []FailedChunk
}

// Handle is a queryable index for one repository snapshot.
type Handle struct {
	Ref   repo.Ref
	Meta  Meta
	store VectorStore
	embed func(ctx context.Context, texts []string) ([][]float32, error)
	byID  map[string]ingest.Chunk
}

// Query embeds text and returns the top-k most similar chunks with
// relevance scores, best first.
func (h *Handle) Query(ctx context.Context, text string, k int) ([]Scored, error) {
	vectors, err := h.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errors.New("query embedding: expected exactly one vector")
	}
	return h.store.Search(ctx, h.Ref, vectors[0], k)
}

// ChunkByID returns an indexed chunk by id. The second result is false
// for unknown or excluded chunks.
func (h *Handle) ChunkByID(id string) (ingest.Chunk, bool) {
	c, ok := h.byID[id]
	return c, ok
}

// Chunks returns every indexed chunk, ordered by path and then by start
// offset, so plans derived from a handle are deterministic.
func (h *Handle) Chunks() []ingest.Chunk {
	chunks := make([]ingest.Chunk, 0, len(h.byID))
	for _, c := range h.byID {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Path != chunks[j].Path {
			return chunks[i].Path < chunks[j].Path
		}
		return chunks[i].Start < chunks[j].Start
	})
	return chunks
}
