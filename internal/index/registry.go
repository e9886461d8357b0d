package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/repo"
)

// ChunkSource supplies the chunk set for a repository when a build is
// needed. It is only invoked under the ref's build lock.
type ChunkSource func(ctx context.Context) ([]ingest.Chunk, error)

// Registry caches handles per repository and serializes builds per ref,
// so concurrent ingestion requests for the same repository never race.
// Handles live for the process lifetime, bounded by age and count.
type Registry struct {
	builder    *Builder
	maxAge     time.Duration
	maxEntries int
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	mu     sync.Mutex // serializes build/rebuild for one ref
	handle *Handle    // guarded by mu

	// builtAt mirrors handle.Meta.BuiltAt for the eviction scan, which
	// runs under Registry.mu and must not touch handle.
	builtAt time.Time // guarded by Registry.mu; zero while unbuilt
}

// DefaultMaxIndexAge is how long a built index is served before an
// explicit refresh is forced.
const DefaultMaxIndexAge = 24 * time.Hour

// DefaultMaxIndexes bounds how many repository indexes stay resident.
const DefaultMaxIndexes = 16

// NewRegistry creates a registry building through builder.
func NewRegistry(builder *Builder, maxAge time.Duration, maxEntries int, logger *slog.Logger) *Registry {
	if maxAge <= 0 {
		maxAge = DefaultMaxIndexAge
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxIndexes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		builder:    builder,
		maxAge:     maxAge,
		maxEntries: maxEntries,
		logger:     logger,
		entries:    make(map[string]*registryEntry),
	}
}

// Get returns ref's handle, building it if absent, stale, or built with
// a different embedding model than currently configured. Concurrent
// callers for the same ref share one build; callers for different refs
// proceed independently.
func (r *Registry) Get(ctx context.Context, ref repo.Ref, source ChunkSource) (*Handle, error) {
	entry := r.entry(ref)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.handle != nil && !r.stale(entry.handle) {
		return entry.handle, nil
	}

	if entry.handle != nil {
		r.logger.Info("rebuilding index",
			"ref", ref.Key(),
			"built_at", entry.handle.Meta.BuiltAt,
			"model", entry.handle.Meta.Model,
			"configured_model", r.builder.gw.EmbeddingModel())
	}

	chunks, err := source(ctx)
	if err != nil {
		return nil, err
	}
	handle, err := r.builder.Build(ctx, ref, chunks)
	if err != nil {
		return nil, err
	}
	entry.handle = handle

	r.mu.Lock()
	entry.builtAt = handle.Meta.BuiltAt
	r.mu.Unlock()

	r.evict()
	return handle, nil
}

// Refresh drops ref's handle so the next Get rebuilds.
func (r *Registry) Refresh(ref repo.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ref.Key())
}

func (r *Registry) entry(ref repo.Ref) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.Key()]
	if !ok {
		e = &registryEntry{}
		r.entries[ref.Key()] = e
	}
	return e
}

// stale reports whether a handle must be rebuilt: either its age exceeds
// the bound or its embedding model no longer matches configuration.
func (r *Registry) stale(h *Handle) bool {
	if h.Meta.Model != r.builder.gw.EmbeddingModel() {
		return true
	}
	return time.Since(h.Meta.BuiltAt) > r.maxAge
}

// evict drops the oldest handles once the resident count exceeds the
// bound. It inspects only builtAt, which Registry.mu guards; entries
// under construction (zero builtAt) are left alone.
func (r *Registry) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.entries) > r.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for key, e := range r.entries {
			if e.builtAt.IsZero() {
				continue
			}
			if oldestKey == "" || e.builtAt.Before(oldest) {
				oldestKey = key
				oldest = e.builtAt
			}
		}
		if oldestKey == "" {
			return
		}
		r.logger.Info("evicting index", "ref", oldestKey, "built_at", oldest)
		delete(r.entries, oldestKey)
	}
}
