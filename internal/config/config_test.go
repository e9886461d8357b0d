package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider.Kind)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.Equal(t, "text-embedding-3-small", cfg.Provider.EmbeddingModel)
	assert.Equal(t, "memory", cfg.Index.Store)
	assert.Equal(t, 1536, cfg.Index.Dimension)
	assert.NotEmpty(t, cfg.Cache.Dir)
}

func TestLoad_RejectsNonPositiveQdrantDimension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepwiki.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
index:
  store: qdrant
  dimension: -3
`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "dimension")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepwiki.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  kind: ollama
  model: llama3
  embedding_model: nomic-embed-text
ingest:
  chunk_tokens: 500
  overlap_tokens: 80
relay:
  call_timeout: 2m
scheduler:
  concurrency: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Provider.Kind)
	assert.Equal(t, "llama3", cfg.Provider.Model)
	assert.Equal(t, 500, cfg.Ingest.ChunkTokens)
	assert.Equal(t, 80, cfg.Ingest.OverlapTokens)
	assert.Equal(t, 2*time.Minute, cfg.Relay.CallTimeout.Std())
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	// Untouched fields keep their defaults.
	assert.Equal(t, "memory", cfg.Index.Store)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepwiki.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  model: gpt-4o\n"), 0o644))

	t.Setenv("DEEPWIKI_MODEL", "gpt-4o-mini")
	t.Setenv("DEEPWIKI_CONCURRENCY", "7")
	t.Setenv("DEEPWIKI_RATE_LIMIT_FLOOR", "9s")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, 7, cfg.Scheduler.Concurrency)
	assert.Equal(t, 9*time.Second, cfg.Scheduler.RateLimitFloor.Std())
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownProviderKind(t *testing.T) {
	t.Setenv("DEEPWIKI_PROVIDER", "bard")
	_, err := Load("")
	assert.ErrorContains(t, err, "unknown provider kind")
}

func TestLoad_RejectsOverlapNotSmallerThanChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepwiki.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingest:\n  chunk_tokens: 100\n  overlap_tokens: 100\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "overlap_tokens")
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepwiki.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
