// Package config loads the service configuration: a YAML file layered
// under environment-variable overrides, with working defaults when both
// are absent. Secrets (API keys, tokens) come from the environment
// only, never the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads YAML strings like "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full tunable surface.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Relay     RelayConfig     `yaml:"relay"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Chat      ChatConfig      `yaml:"chat"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ProviderConfig selects and parameterizes the model backend.
type ProviderConfig struct {
	Kind              string  `yaml:"kind"` // "openai" or "ollama"
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"-"` // OPENAI_API_KEY only
	Model             string  `yaml:"model"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	EmbedBatchSize    int     `yaml:"embed_batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// IngestConfig tunes chunking and file selection.
type IngestConfig struct {
	ChunkTokens   int      `yaml:"chunk_tokens"`
	OverlapTokens int      `yaml:"overlap_tokens"`
	MaxFileSize   int      `yaml:"max_file_size"`
	Include       []string `yaml:"include"`
	Exclude       []string `yaml:"exclude"`
}

// IndexConfig selects and sizes the vector store backend.
type IndexConfig struct {
	// Store is "memory" or "qdrant".
	Store      string   `yaml:"store"`
	QdrantHost string   `yaml:"qdrant_host"`
	QdrantPort int      `yaml:"qdrant_port"`
	Dimension  int      `yaml:"dimension"` // embedding vector size
	MaxAge     Duration `yaml:"max_age"`
}

// RetrievalConfig tunes query-time policy.
type RetrievalConfig struct {
	TopK        int     `yaml:"top_k"`
	MinScore    float64 `yaml:"min_score"`
	TokenBudget int     `yaml:"token_budget"`
}

// RelayConfig tunes the provider call relay.
type RelayConfig struct {
	MaxRetries  int      `yaml:"max_retries"`
	CallTimeout Duration `yaml:"call_timeout"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// SchedulerConfig tunes chapter generation.
type SchedulerConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RateLimitFloor Duration `yaml:"rate_limit_floor"`
}

// CacheConfig locates the wiki artifact cache.
type CacheConfig struct {
	Dir    string   `yaml:"dir"`
	MaxAge Duration `yaml:"max_age"`
}

// ChatConfig tunes chat sessions.
type ChatConfig struct {
	HistoryBudget int      `yaml:"history_budget"`
	SessionIdle   Duration `yaml:"session_idle"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// GitHubToken returns the token for private-repository access.
func GitHubToken() string {
	return os.Getenv("GITHUB_TOKEN")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Kind:           "openai",
			Model:          "gpt-4o",
			EmbeddingModel: "text-embedding-3-small",
		},
		Index: IndexConfig{
			Store:      "memory",
			QdrantHost: "localhost",
			QdrantPort: 6334,
			Dimension:  1536, // text-embedding-3-small
		},
		Cache: CacheConfig{
			Dir: defaultCacheDir(),
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides. A missing file at an explicitly given path is
// an error; an empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDefaultFile is Load against ./deepwiki.yaml when it exists.
func LoadDefaultFile() (Config, error) {
	const path = "deepwiki.yaml"
	if _, err := os.Stat(path); err != nil {
		return Load("")
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	setString(&c.Provider.Kind, "DEEPWIKI_PROVIDER")
	setString(&c.Provider.BaseURL, "DEEPWIKI_BASE_URL")
	setString(&c.Provider.Model, "DEEPWIKI_MODEL")
	setString(&c.Provider.EmbeddingModel, "DEEPWIKI_EMBEDDING_MODEL")
	setFloat(&c.Provider.RequestsPerSecond, "DEEPWIKI_REQUESTS_PER_SECOND")
	c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")

	setInt(&c.Ingest.ChunkTokens, "DEEPWIKI_CHUNK_TOKENS")
	setInt(&c.Ingest.OverlapTokens, "DEEPWIKI_OVERLAP_TOKENS")

	setString(&c.Index.Store, "DEEPWIKI_INDEX_STORE")
	setString(&c.Index.QdrantHost, "QDRANT_HOST")
	setInt(&c.Index.QdrantPort, "QDRANT_PORT")
	setInt(&c.Index.Dimension, "DEEPWIKI_INDEX_DIMENSION")

	setInt(&c.Retrieval.TopK, "DEEPWIKI_TOP_K")
	setFloat(&c.Retrieval.MinScore, "DEEPWIKI_MIN_SCORE")

	setInt(&c.Relay.MaxRetries, "DEEPWIKI_MAX_RETRIES")
	setDuration(&c.Relay.CallTimeout, "DEEPWIKI_CALL_TIMEOUT")
	setDuration(&c.Relay.IdleTimeout, "DEEPWIKI_IDLE_TIMEOUT")

	setInt(&c.Scheduler.Concurrency, "DEEPWIKI_CONCURRENCY")
	setInt(&c.Scheduler.MaxAttempts, "DEEPWIKI_MAX_ATTEMPTS")
	setDuration(&c.Scheduler.RateLimitFloor, "DEEPWIKI_RATE_LIMIT_FLOOR")

	setString(&c.Cache.Dir, "DEEPWIKI_CACHE_DIR")
	setDuration(&c.Cache.MaxAge, "DEEPWIKI_CACHE_MAX_AGE")

	setString(&c.Metrics.Addr, "DEEPWIKI_METRICS_ADDR")
}

func (c *Config) validate() error {
	switch c.Provider.Kind {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	switch c.Index.Store {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("unknown index store %q", c.Index.Store)
	}
	if c.Index.Store == "qdrant" && c.Index.Dimension <= 0 {
		return fmt.Errorf("index dimension must be positive for the qdrant store, got %d", c.Index.Dimension)
	}
	if c.Ingest.OverlapTokens > 0 && c.Ingest.ChunkTokens > 0 &&
		c.Ingest.OverlapTokens >= c.Ingest.ChunkTokens {
		return fmt.Errorf("overlap_tokens (%d) must be smaller than chunk_tokens (%d)",
			c.Ingest.OverlapTokens, c.Ingest.ChunkTokens)
	}
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/deepwiki"
	}
	return ".deepwiki-cache"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
