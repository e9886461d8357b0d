package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/repo"
)

// qdrantCollection is the single collection holding every repository's
// chunk vectors, partitioned by a payload filter on the repository key.
const qdrantCollection = "chunks"

// QdrantStore is a persistent VectorStore backed by a Qdrant server,
// for deployments where rebuilding indexes on restart is too costly.
type QdrantStore struct {
	client    *qdrant.Client
	dimension int
}

// NewQdrantStore connects to Qdrant, verifies its health with a bounded
// retry, and ensures the chunk collection exists.
func NewQdrantStore(host string, port int, dimension int) (*QdrantStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant store needs a positive embedding dimension, got %d", dimension)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &QdrantStore{client: client, dimension: dimension}

	ctx := context.Background()
	if err := s.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("qdrant unreachable: %w", err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		result, err := s.client.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.Title == "" {
			return fmt.Errorf("health check returned invalid response")
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// ensureCollection creates the chunk collection and its payload indexes.
// Idempotent.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == qdrantCollection {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: qdrantCollection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	// Filtering on repository without an index is orders of magnitude slower.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: qdrantCollection,
		FieldName:      "repository",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("create repository index: %w", err)
	}
	return nil
}

// Replace deletes all of ref's points, then upserts the new records in
// batches of 100.
func (s *QdrantStore) Replace(ctx context.Context, ref repo.Ref, records []Record) error {
	for i, rec := range records {
		if len(rec.Vector) != s.dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(rec.Vector), s.dimension)
		}
	}

	if err := s.Drop(ctx, ref); err != nil {
		return err
	}

	batchSize := 100
	for i := 0; i < len(records); i += batchSize {
		end := min(i+batchSize, len(records))
		batch := records[i:end]

		points := make([]*qdrant.PointStruct, len(batch))
		for j, rec := range batch {
			points[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(rec.Chunk.ID),
				Vectors: qdrant.NewVectors(rec.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"repository": ref.Key(),
					"path":       rec.Chunk.Path,
					"start":      rec.Chunk.Start,
					"end":        rec.Chunk.End,
					"text":       rec.Chunk.Text,
					"tokens":     rec.Chunk.Tokens,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

func (s *QdrantStore) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: qdrantCollection,
			Points:         points,
		})
		return err
	}, backoff.WithContext(bo, ctx))
}

// Search queries ref's points by vector similarity. Results are re-sorted
// client-side so equal scores order by chunk id, matching the memory
// backend's determinism contract.
func (s *QdrantStore) Search(ctx context.Context, ref repo.Ref, vector []float32, k int) ([]Scored, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), s.dimension)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: qdrantCollection,
		Query:          qdrant.NewQuery(vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("repository", ref.Key())},
		},
		Limit:       qdrant.PtrOf(uint64(k)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	scored := make([]Scored, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		scored = append(scored, Scored{
			Chunk: ingestChunkFromPayload(result.Id.GetUuid(), payload),
			Score: float64(result.Score),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})
	return scored, nil
}

// Drop deletes every point belonging to ref.
func (s *QdrantStore) Drop(ctx context.Context, ref repo.Ref) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qdrantCollection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("repository", ref.Key())},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	return nil
}

// Close closes the underlying client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func ingestChunkFromPayload(id string, payload map[string]*qdrant.Value) ingest.Chunk {
	return ingest.Chunk{
		ID:     id,
		Path:   payload["path"].GetStringValue(),
		Start:  int(payload["start"].GetIntegerValue()),
		End:    int(payload["end"].GetIntegerValue()),
		Text:   payload["text"].GetStringValue(),
		Tokens: int(payload["tokens"].GetIntegerValue()),
	}
}
