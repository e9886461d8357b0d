package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/repo"
)

// DefaultBatchSize caps chunks per embedding request.
const DefaultBatchSize = 64

// Builder turns chunk sets into queryable handles.
type Builder struct {
	gw        provider.Gateway
	store     VectorStore
	batchSize int
	logger    *slog.Logger
}

// NewBuilder creates a builder embedding through gw and storing into store.
func NewBuilder(gw provider.Gateway, store VectorStore, batchSize int, logger *slog.Logger) *Builder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{gw: gw, store: store, batchSize: batchSize, logger: logger}
}

// Build embeds all chunks in batches and replaces ref's index with the
// result. A failed batch is retried chunk by chunk; chunks that still
// fail are excluded and recorded in the handle's metadata, never
// silently dropped. Fatal provider errors and store failures abort the
// whole build.
func (b *Builder) Build(ctx context.Context, ref repo.Ref, chunks []ingest.Chunk) (*Handle, error) {
	var records []Record
	var failed []FailedChunk
	dimension := 0

	for i := 0; i < len(chunks); i += b.batchSize {
		end := min(i+b.batchSize, len(chunks))
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Text
		}

		vectors, err := b.gw.Embed(ctx, texts)
		if err != nil {
			if provider.KindOf(err) == provider.KindFatal {
				return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
			}
			b.logger.Warn("batch embedding failed, retrying chunks individually",
				"ref", ref.Key(), "batch", i, "error", err)
			recs, fails, individualErr := b.embedIndividually(ctx, batch)
			if individualErr != nil {
				return nil, individualErr
			}
			records = append(records, recs...)
			failed = append(failed, fails...)
			if dimension == 0 && len(recs) > 0 {
				dimension = len(recs[0].Vector)
			}
			continue
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors for %d chunks",
				i, end, len(vectors), len(batch))
		}
		for j, c := range batch {
			records = append(records, Record{Chunk: c, Vector: vectors[j]})
		}
		if dimension == 0 && len(vectors) > 0 {
			dimension = len(vectors[0])
		}
	}

	if len(records) == 0 && len(chunks) > 0 {
		return nil, fmt.Errorf("index build failed: no chunk could be embedded (%d failures)", len(failed))
	}

	if err := b.store.Replace(ctx, ref, records); err != nil {
		return nil, fmt.Errorf("store index: %w", err)
	}

	byID := make(map[string]ingest.Chunk, len(records))
	for _, rec := range records {
		byID[rec.Chunk.ID] = rec.Chunk
	}

	return &Handle{
		Ref: ref,
		Meta: Meta{
			Model:     b.gw.EmbeddingModel(),
			Dimension: dimension,
			BuiltAt:   time.Now(),
			Indexed:   len(records),
			Failed:    failed,
		},
		store: b.store,
		embed: b.gw.Embed,
		byID:  byID,
	}, nil
}

// embedIndividually retries each chunk of a failed batch on its own.
// Context cancellation aborts; any other per-chunk failure excludes just
// that chunk.
func (b *Builder) embedIndividually(ctx context.Context, batch []ingest.Chunk) ([]Record, []FailedChunk, error) {
	var records []Record
	var failed []FailedChunk

	for _, c := range batch {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		vectors, err := b.gw.Embed(ctx, []string{c.Text})
		if err != nil || len(vectors) != 1 {
			reason := "embedding returned no vector"
			if err != nil {
				reason = err.Error()
			}
			b.logger.Warn("chunk excluded from index", "chunk", c.ID, "path", c.Path, "reason", reason)
			failed = append(failed, FailedChunk{ChunkID: c.ID, Path: c.Path, Reason: reason})
			continue
		}
		records = append(records, Record{Chunk: c, Vector: vectors[0]})
	}
	return records, failed, nil
}
