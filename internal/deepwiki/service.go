// Package deepwiki composes the pipeline: repository ingestion, index
// management, chapter planning and generation, artifact caching, and
// chat. It is the single entry point the CLI and the MCP server share.
package deepwiki

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jemings/deepwiki-open/internal/cache"
	"github.com/jemings/deepwiki-open/internal/chat"
	"github.com/jemings/deepwiki-open/internal/config"
	"github.com/jemings/deepwiki-open/internal/index"
	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/relay"
	"github.com/jemings/deepwiki-open/internal/repo"
	"github.com/jemings/deepwiki-open/internal/retrieval"
	"github.com/jemings/deepwiki-open/internal/scheduler"
	"github.com/jemings/deepwiki-open/internal/wiki"
)

// Service owns the wired pipeline.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	providers map[string]repo.TreeProvider
	chunker   *ingest.Chunker
	gateway   provider.Gateway
	relay     *relay.Relay
	registry  *index.Registry
	retriever *retrieval.Engine
	planner   *wiki.Planner
	scheduler *scheduler.Scheduler
	cache     *cache.Cache
	chat      *chat.Engine
}

// New wires a service from configuration.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw, err := provider.New(provider.Config{
		Kind:              cfg.Provider.Kind,
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Model:             cfg.Provider.Model,
		EmbeddingModel:    cfg.Provider.EmbeddingModel,
		BatchSize:         cfg.Provider.EmbedBatchSize,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("configure provider: %w", err)
	}

	var store index.VectorStore
	switch cfg.Index.Store {
	case "qdrant":
		store, err = index.NewQdrantStore(cfg.Index.QdrantHost, cfg.Index.QdrantPort, cfg.Index.Dimension)
		if err != nil {
			return nil, fmt.Errorf("connect vector store: %w", err)
		}
	default:
		store = index.NewMemoryStore(0)
	}

	gh, err := repo.NewGitHubProvider()
	if err != nil {
		return nil, fmt.Errorf("configure github provider: %w", err)
	}

	r := relay.New(gw, relay.Config{
		MaxRetries:  cfg.Relay.MaxRetries,
		CallTimeout: cfg.Relay.CallTimeout.Std(),
		IdleTimeout: cfg.Relay.IdleTimeout.Std(),
	}, logger)

	builder := index.NewBuilder(gw, store, cfg.Provider.EmbedBatchSize, logger)
	retriever := retrieval.NewEngine(cfg.Retrieval.TopK, cfg.Retrieval.MinScore, cfg.Retrieval.TokenBudget)

	artifactCache, err := cache.New(cfg.Cache.Dir, cfg.Cache.MaxAge.Std(), logger)
	if err != nil {
		return nil, err
	}

	var chunkerOpts []ingest.Option
	if cfg.Ingest.ChunkTokens > 0 {
		chunkerOpts = append(chunkerOpts, ingest.WithChunkSize(cfg.Ingest.ChunkTokens))
	}
	if cfg.Ingest.OverlapTokens > 0 {
		chunkerOpts = append(chunkerOpts, ingest.WithOverlap(cfg.Ingest.OverlapTokens))
	}
	if len(cfg.Ingest.Include) > 0 || len(cfg.Ingest.Exclude) > 0 || cfg.Ingest.MaxFileSize > 0 {
		policy := ingest.DefaultPolicy()
		if len(cfg.Ingest.Include) > 0 {
			policy.Include = cfg.Ingest.Include
		}
		if len(cfg.Ingest.Exclude) > 0 {
			policy.Exclude = cfg.Ingest.Exclude
		}
		if cfg.Ingest.MaxFileSize > 0 {
			policy.MaxFileSize = cfg.Ingest.MaxFileSize
		}
		chunkerOpts = append(chunkerOpts, ingest.WithPolicy(policy))
	}

	var chatOpts []chat.Option
	if cfg.Chat.HistoryBudget > 0 {
		chatOpts = append(chatOpts, chat.WithHistoryBudget(cfg.Chat.HistoryBudget))
	}
	if cfg.Chat.SessionIdle > 0 {
		chatOpts = append(chatOpts, chat.WithSessionIdle(cfg.Chat.SessionIdle.Std()))
	}

	return &Service{
		cfg:    cfg,
		logger: logger,
		providers: map[string]repo.TreeProvider{
			"github": gh,
			"local":  repo.NewLocalProvider(),
		},
		chunker:   ingest.NewChunker(chunkerOpts...),
		gateway:   gw,
		relay:     r,
		registry:  index.NewRegistry(builder, cfg.Index.MaxAge.Std(), 0, logger),
		retriever: retriever,
		planner:   wiki.NewPlanner(r, logger),
		scheduler: scheduler.New(r, retriever, scheduler.Config{
			Concurrency:    cfg.Scheduler.Concurrency,
			MaxAttempts:    cfg.Scheduler.MaxAttempts,
			RateLimitFloor: cfg.Scheduler.RateLimitFloor.Std(),
		}, logger),
		cache: artifactCache,
		chat:  chat.NewEngine(r, retriever, logger, chatOpts...),
	}, nil
}

// ParseRef parses "owner/name", "github.com/owner/name", or a local
// path prefixed with "local:". An optional "@rev" suffix pins a
// revision.
func ParseRef(s string) (repo.Ref, error) {
	ref := repo.Ref{Provider: "github"}

	if rest, ok := strings.CutPrefix(s, "local:"); ok {
		return repo.Ref{Provider: "local", Name: rest}, nil
	}
	if spec, rev, ok := strings.Cut(s, "@"); ok {
		ref.Rev = rev
		s = spec
	}
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "github.com/")

	owner, name, ok := strings.Cut(strings.Trim(s, "/"), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return repo.Ref{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
	ref.Owner = owner
	ref.Name = name
	return ref, nil
}

// Ingest lists and chunks the repository.
func (s *Service) Ingest(ctx context.Context, ref repo.Ref) (*ingest.Result, error) {
	tp, ok := s.providers[ref.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown repository provider %q", ref.Provider)
	}
	files, err := tp.ListFiles(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ref, err)
	}
	result := s.chunker.IngestFiles(ref, files)
	s.logger.Info("repository ingested",
		"repo", ref.String(), "chunks", len(result.Chunks), "skipped", len(result.Skipped))
	return result, nil
}

// Index returns a ready index handle for the repository, ingesting and
// building as needed.
func (s *Service) Index(ctx context.Context, ref repo.Ref) (*index.Handle, error) {
	return s.registry.Get(ctx, ref, func(ctx context.Context) ([]ingest.Chunk, error) {
		result, err := s.Ingest(ctx, ref)
		if err != nil {
			return nil, err
		}
		return result.Chunks, nil
	})
}

// GenerateWiki returns the wiki artifact for (ref, params), serving
// from cache when fresh. events may be nil; when set it receives the
// generation event stream and must be drained until GenerateWiki
// returns.
func (s *Service) GenerateWiki(ctx context.Context, ref repo.Ref, params wiki.Params, events chan<- scheduler.Event) (*wiki.Artifact, error) {
	if params.Model == "" {
		params.Model = s.gateway.Model()
	}
	return s.cache.GetOrGenerate(ctx, ref, params, func(ctx context.Context) (*wiki.Artifact, error) {
		h, err := s.Index(ctx, ref)
		if err != nil {
			return nil, err
		}
		// Plan from the handle's own chunk set: planned chunk ids must
		// resolve against the same index the chapters are generated
		// from, even when the registry served a previously built handle.
		specs, err := s.planner.Plan(ctx, h.Ref, h.Chunks(), params)
		if err != nil {
			return nil, err
		}
		return s.scheduler.Generate(ctx, h, specs, params, events)
	})
}

// OpenChat starts a chat session over the repository's index.
func (s *Service) OpenChat(ctx context.Context, ref repo.Ref) (*chat.Session, error) {
	h, err := s.Index(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.chat.Open(h), nil
}

// Chat returns the session engine for session lookup and turns.
func (s *Service) Chat() *chat.Engine { return s.chat }

// Ask answers a one-shot question against the repository.
func (s *Service) Ask(ctx context.Context, ref repo.Ref, question string) (*provider.Stream, error) {
	session, err := s.OpenChat(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.chat.Ask(ctx, session, question)
}
