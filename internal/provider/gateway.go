package provider

import (
	"context"
	"fmt"
	"strings"
)

// GenerateRequest is a single text-generation call.
type GenerateRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Gateway is the capability interface every backend implements.
// Generate is always a streaming call: tokens are surfaced as the
// backend produces them, never buffered into a full response first.
type Gateway interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Generate starts a streaming completion. The returned stream is
	// live; the caller must drain it. A nil error means the request was
	// accepted, not that it will finish; stream.Err() carries terminal
	// failures.
	Generate(ctx context.Context, req GenerateRequest) (*Stream, error)

	// EmbeddingModel identifies the embedding model. Indexes built with
	// a different identifier must be rebuilt, never mixed.
	EmbeddingModel() string

	// Model identifies the generation model.
	Model() string
}

// Config selects and parameterizes a backend.
type Config struct {
	// Kind is the backend variant: "openai" or "ollama".
	Kind string
	// BaseURL overrides the backend endpoint (empty keeps the default).
	BaseURL string
	// APIKey authenticates where the backend requires it.
	APIKey string
	// Model is the generation model identifier.
	Model string
	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string
	// BatchSize caps texts per embedding request.
	BatchSize int
	// RequestsPerSecond, when positive, rate-limits outbound calls.
	RequestsPerSecond float64
}

// New creates the configured backend variant.
func New(cfg Config) (Gateway, error) {
	var gw Gateway
	var err error
	switch strings.ToLower(cfg.Kind) {
	case "openai", "":
		gw, err = newOpenAIGateway(cfg)
	case "ollama":
		gw, err = newOllamaGateway(cfg)
	default:
		return nil, fmt.Errorf("unknown provider kind %q (supported: openai, ollama)", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond > 0 {
		gw = NewThrottled(gw, cfg.RequestsPerSecond)
	}
	return gw, nil
}
