package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")

	rl := RateLimited(base, 7*time.Second)
	assert.Equal(t, KindRateLimited, KindOf(rl))
	assert.Equal(t, 7*time.Second, RetryAfterOf(rl))
	assert.ErrorIs(t, rl, base)

	tr := Transient(base)
	assert.Equal(t, KindTransient, KindOf(tr))
	assert.Zero(t, RetryAfterOf(tr))

	ft := Fatal(base)
	assert.Equal(t, KindFatal, KindOf(ft))
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := RateLimited(errors.New("429"), 3*time.Second)
	wrapped := errors.Join(errors.New("chapter 2"), inner)
	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.Equal(t, 3*time.Second, RetryAfterOf(wrapped))
}

func TestKindOf_UnclassifiedDefaultsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
}

func TestStream_DeliversTokensInOrder(t *testing.T) {
	stream, writer := NewStream()
	go func() {
		for _, tok := range []string{"a", "b", "c"} {
			_ = writer.Send(context.Background(), tok)
		}
		writer.Close(nil)
	}()

	out, err := stream.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}

func TestStream_TerminalError(t *testing.T) {
	stream, writer := NewStream()
	terminal := Transient(errors.New("connection reset"))
	go func() {
		_ = writer.Send(context.Background(), "partial")
		writer.Close(terminal)
	}()

	out, err := stream.Collect(context.Background())
	assert.Equal(t, "partial", out)
	assert.Equal(t, terminal, err)
}

func TestStream_CollectHonorsContext(t *testing.T) {
	stream, writer := NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stream.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	writer.Close(nil)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider kind")
}

func TestNew_OpenAIRequiresAPIKey(t *testing.T) {
	_, err := New(Config{Kind: "openai"})
	require.Error(t, err)
}

func TestNew_OllamaRequiresModels(t *testing.T) {
	_, err := New(Config{Kind: "ollama"})
	require.Error(t, err)

	_, err = New(Config{Kind: "ollama", Model: "llama3"})
	require.Error(t, err)

	gw, err := New(Config{Kind: "ollama", Model: "llama3", EmbeddingModel: "nomic-embed-text"})
	require.NoError(t, err)
	assert.Equal(t, "llama3", gw.Model())
	assert.Equal(t, "nomic-embed-text", gw.EmbeddingModel())
}
