package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel          = "gpt-4o"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"

	// defaultBatchSize balances requests-per-minute against
	// tokens-per-minute rate limits.
	defaultBatchSize = 100
)

// openAIGateway is the OpenAI backend. Every request runs on a freshly
// built client so a retry after a connection failure never lands on the
// stale connection that caused it.
type openAIGateway struct {
	opts           []option.RequestOption
	model          string
	embeddingModel string
	batchSize      int
}

func newOpenAIGateway(cfg Config) (*openAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key not configured")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The relay owns retry policy; the SDK must not retry underneath it.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultOpenAIEmbeddingModel
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &openAIGateway{
		opts:           opts,
		model:          model,
		embeddingModel: embeddingModel,
		batchSize:      batchSize,
	}, nil
}

func (g *openAIGateway) Model() string          { return g.model }
func (g *openAIGateway) EmbeddingModel() string { return g.embeddingModel }

// newClient builds a client over a fresh connection pool.
func (g *openAIGateway) newClient() openai.Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
	opts := append([]option.RequestOption{option.WithHTTPClient(httpClient)}, g.opts...)
	return openai.NewClient(opts...)
}

// Embed generates one embedding per text, batching up to the configured
// batch size per request.
func (g *openAIGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	client := g.newClient()
	var all [][]float32

	for i := 0; i < len(texts); i += g.batchSize {
		end := min(i+g.batchSize, len(texts))
		batch := texts[i:end]

		resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: batch,
			},
			Model: g.embeddingModel,
		})
		if err != nil {
			return nil, classifyOpenAIError(fmt.Errorf("embed batch %d-%d: %w", i, end, err))
		}

		for _, data := range resp.Data {
			all = append(all, toFloat32(data.Embedding))
		}
	}

	return all, nil
}

// Generate starts a streaming chat completion and forwards deltas as
// they arrive.
func (g *openAIGateway) Generate(ctx context.Context, req GenerateRequest) (*Stream, error) {
	client := g.newClient()

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    g.model,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	upstream := client.Chat.Completions.NewStreaming(ctx, params)

	stream, writer := NewStream()
	go func() {
		defer upstream.Close()
		for upstream.Next() {
			chunk := upstream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if err := writer.Send(ctx, delta); err != nil {
				writer.Close(err)
				return
			}
		}
		writer.Close(classifyOpenAIError(upstream.Err()))
	}()

	return stream, nil
}

// classifyOpenAIError maps SDK failures onto the normalized taxonomy.
func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return RateLimited(err, retryAfterHint(apiErr))
		case apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden,
			apiErr.StatusCode == http.StatusNotFound,
			apiErr.StatusCode == http.StatusBadRequest,
			apiErr.StatusCode == http.StatusUnprocessableEntity:
			return Fatal(err)
		default:
			return Transient(err)
		}
	}
	// Connection resets, timeouts, unexpected EOFs.
	return Transient(err)
}

// retryAfterHint reads the server-advised wait from the Retry-After
// header, when present.
func retryAfterHint(apiErr *openai.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	header := apiErr.Response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// toFloat32 narrows the API's float64 vectors for in-memory storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
