package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaGateway talks to a local Ollama server over its JSON HTTP API.
// Generation uses the streaming NDJSON form of /api/chat.
type ollamaGateway struct {
	baseURL        string
	model          string
	embeddingModel string
}

func newOllamaGateway(cfg Config) (*ollamaGateway, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama: model not configured")
	}
	if cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("ollama: embedding model not configured")
	}
	return &ollamaGateway{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

func (g *ollamaGateway) Model() string          { return g.model }
func (g *ollamaGateway) EmbeddingModel() string { return g.embeddingModel }

// newClient returns a client that does not reuse connections across
// calls, so each attempt dials fresh.
func (g *ollamaGateway) newClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func (g *ollamaGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{
		"model": g.embeddingModel,
		"input": texts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.newClient().Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("ollama embed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyOllamaStatus(resp)
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Transient(fmt.Errorf("ollama embed decode: %w", err))
	}
	if len(result.Embeddings) != len(texts) {
		return nil, Transient(fmt.Errorf("ollama embed: got %d embeddings for %d texts", len(result.Embeddings), len(texts)))
	}
	return result.Embeddings, nil
}

func (g *ollamaGateway) Generate(ctx context.Context, genReq GenerateRequest) (*Stream, error) {
	var messages []map[string]string
	if genReq.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": genReq.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": genReq.Prompt})

	payload := map[string]any{
		"model":    g.model,
		"messages": messages,
		"stream":   true,
	}
	options := map[string]any{}
	if genReq.MaxTokens > 0 {
		options["num_predict"] = genReq.MaxTokens
	}
	if genReq.Temperature > 0 {
		options["temperature"] = genReq.Temperature
	}
	if len(options) > 0 {
		payload["options"] = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.newClient().Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("ollama chat: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyOllamaStatus(resp)
	}

	stream, writer := NewStream()
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done bool `json:"done"`
			}
			if err := json.Unmarshal(line, &chunk); err != nil {
				writer.Close(Transient(fmt.Errorf("ollama chat decode: %w", err)))
				return
			}
			if chunk.Message.Content != "" {
				if err := writer.Send(ctx, chunk.Message.Content); err != nil {
					writer.Close(err)
					return
				}
			}
			if chunk.Done {
				writer.Close(nil)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			writer.Close(Transient(fmt.Errorf("ollama chat stream: %w", err)))
			return
		}
		writer.Close(nil)
	}()

	return stream, nil
}

// classifyOllamaStatus maps non-200 responses onto the error taxonomy.
func classifyOllamaStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited(err, 0)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Fatal(err)
	default:
		return Transient(err)
	}
}
