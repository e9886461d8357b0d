// Package cache persists generated wiki artifacts on disk, keyed by
// repository identity and generation parameters. Reads within the
// freshness window never trigger regeneration; concurrent requests for
// a missing key share a single generation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jemings/deepwiki-open/internal/metrics"
	"github.com/jemings/deepwiki-open/internal/repo"
	"github.com/jemings/deepwiki-open/internal/wiki"
)

// ErrNotCached indicates no stored artifact for the key.
var ErrNotCached = errors.New("wiki not cached")

// DefaultMaxAge is the freshness window for cached artifacts.
const DefaultMaxAge = 7 * 24 * time.Hour

// GenerateFunc produces a fresh artifact on a cache miss.
type GenerateFunc func(ctx context.Context) (*wiki.Artifact, error)

// Cache is a disk-backed artifact store. Safe for concurrent use.
type Cache struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*generation
}

// generation is one in-progress artifact build; waiters block on done.
type generation struct {
	done     chan struct{}
	artifact *wiki.Artifact
	err      error
}

// New creates a cache rooted at dir, creating it if needed.
func New(dir string, maxAge time.Duration, logger *slog.Logger) (*Cache, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:      dir,
		maxAge:   maxAge,
		logger:   logger,
		inflight: make(map[string]*generation),
	}, nil
}

// Get returns the cached artifact for (ref, params), or ErrNotCached.
// Staleness is not checked here; callers that care use GetOrGenerate.
func (c *Cache) Get(ref repo.Ref, params wiki.Params) (*wiki.Artifact, error) {
	return c.read(wiki.Key(ref, params))
}

// GetOrGenerate returns the cached artifact when it is fresher than the
// cache's max age, otherwise runs generate and stores the result. At
// most one generation runs per key; concurrent callers for the same key
// wait for it and share its outcome.
func (c *Cache) GetOrGenerate(ctx context.Context, ref repo.Ref, params wiki.Params, generate GenerateFunc) (*wiki.Artifact, error) {
	key := wiki.Key(ref, params)

	artifact, err := c.read(key)
	if err == nil && time.Since(artifact.GeneratedAt) <= c.maxAge {
		metrics.CacheHits.Inc()
		return artifact, nil
	}
	if err != nil && !errors.Is(err, ErrNotCached) {
		c.logger.Warn("unreadable cache entry, regenerating", "key", key, "error", err)
	}
	metrics.CacheMisses.Inc()

	c.mu.Lock()
	if g, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-g.done:
			return g.artifact, g.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g := &generation{done: make(chan struct{})}
	c.inflight[key] = g
	c.mu.Unlock()

	g.artifact, g.err = generate(ctx)
	if g.err == nil {
		if err := c.put(key, g.artifact); err != nil {
			c.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(g.done)

	return g.artifact, g.err
}

// Invalidate removes the stored artifact for (ref, params).
func (c *Cache) Invalidate(ref repo.Ref, params wiki.Params) error {
	err := os.Remove(c.path(wiki.Key(ref, params)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *Cache) read(key string) (*wiki.Artifact, error) {
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	var artifact wiki.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &artifact, nil
}

// put writes the artifact atomically: a temp file in the same directory
// renamed over the final path, so readers never observe a partial entry.
func (c *Cache) put(key string, artifact *wiki.Artifact) error {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}
