package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/repo"
)

func countingSource(counter *atomic.Int32, chunks []ingest.Chunk) ChunkSource {
	return func(ctx context.Context) ([]ingest.Chunk, error) {
		counter.Add(1)
		return chunks, nil
	}
}

func TestRegistry_BuildOncePerRef(t *testing.T) {
	gw := newFakeEmbedder()
	registry := NewRegistry(NewBuilder(gw, NewMemoryStore(2), 10, nil), time.Hour, 10, nil)

	var builds atomic.Int32
	source := countingSource(&builds, chunksOf("one", "two"))
	ref := testRef()

	first, err := registry.Get(context.Background(), ref, source)
	require.NoError(t, err)
	second, err := registry.Get(context.Background(), ref, source)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), builds.Load())
}

func TestRegistry_ConcurrentGetsShareOneBuild(t *testing.T) {
	gw := newFakeEmbedder()
	registry := NewRegistry(NewBuilder(gw, NewMemoryStore(2), 10, nil), time.Hour, 10, nil)

	var builds atomic.Int32
	source := countingSource(&builds, chunksOf("one"))
	ref := testRef()

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := registry.Get(context.Background(), ref, source)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load(), "concurrent requests for one ref must share a single build")
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestRegistry_ModelChangeForcesRebuild(t *testing.T) {
	gw := newFakeEmbedder()
	registry := NewRegistry(NewBuilder(gw, NewMemoryStore(2), 10, nil), time.Hour, 10, nil)

	var builds atomic.Int32
	source := countingSource(&builds, chunksOf("one"))
	ref := testRef()

	_, err := registry.Get(context.Background(), ref, source)
	require.NoError(t, err)

	gw.model = "fake-embed-v2"
	_, err = registry.Get(context.Background(), ref, source)
	require.NoError(t, err)

	assert.Equal(t, int32(2), builds.Load(), "embedding model change must trigger a rebuild")
}

func TestRegistry_RefreshDropsHandle(t *testing.T) {
	gw := newFakeEmbedder()
	registry := NewRegistry(NewBuilder(gw, NewMemoryStore(2), 10, nil), time.Hour, 10, nil)

	var builds atomic.Int32
	source := countingSource(&builds, chunksOf("one"))
	ref := testRef()

	_, err := registry.Get(context.Background(), ref, source)
	require.NoError(t, err)
	registry.Refresh(ref)
	_, err = registry.Get(context.Background(), ref, source)
	require.NoError(t, err)

	assert.Equal(t, int32(2), builds.Load())
}

func TestRegistry_EvictsOldestBeyondBound(t *testing.T) {
	gw := newFakeEmbedder()
	registry := NewRegistry(NewBuilder(gw, NewMemoryStore(2), 10, nil), time.Hour, 2, nil)

	var builds atomic.Int32
	refs := []repo.Ref{
		{Provider: "local", Name: "repo-a"},
		{Provider: "local", Name: "repo-b"},
		{Provider: "local", Name: "repo-c"},
	}
	for _, ref := range refs {
		_, err := registry.Get(context.Background(), ref, countingSource(&builds, chunksOf("one")))
		require.NoError(t, err)
	}

	registry.mu.Lock()
	resident := len(registry.entries)
	registry.mu.Unlock()
	assert.LessOrEqual(t, resident, 2)
}

func TestRegistry_ConcurrentGetsAcrossRefsWhileEvicting(t *testing.T) {
	gw := newFakeEmbedder()
	registry := NewRegistry(NewBuilder(gw, NewMemoryStore(2), 10, nil), time.Hour, 1, nil)

	refs := make([]repo.Ref, 16)
	for i := range refs {
		refs[i] = repo.Ref{Provider: "local", Name: "repo-" + string(rune('a'+i))}
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref repo.Ref) {
			defer wg.Done()
			var builds atomic.Int32
			source := countingSource(&builds, chunksOf("one"))
			for round := 0; round < 20; round++ {
				h, err := registry.Get(context.Background(), ref, source)
				assert.NoError(t, err)
				assert.NotNil(t, h)
			}
		}(ref)
	}
	wg.Wait()

	registry.mu.Lock()
	resident := len(registry.entries)
	registry.mu.Unlock()
	assert.LessOrEqual(t, resident, 1)
}
