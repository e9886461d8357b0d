package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemings/deepwiki-open/internal/provider"
)

// fakeGateway plays back one scripted behavior per Generate call.
type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	script []func(ctx context.Context) (*provider.Stream, error)
}

func (g *fakeGateway) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Stream, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.mu.Unlock()
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	return g.script[idx](ctx)
}

func (g *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGateway) EmbeddingModel() string { return "fake-embed" }
func (g *fakeGateway) Model() string          { return "fake-model" }

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func succeed(tokens ...string) func(ctx context.Context) (*provider.Stream, error) {
	return func(ctx context.Context) (*provider.Stream, error) {
		stream, writer := provider.NewStream()
		go func() {
			for _, tok := range tokens {
				if err := writer.Send(ctx, tok); err != nil {
					writer.Close(err)
					return
				}
			}
			writer.Close(nil)
		}()
		return stream, nil
	}
}

func fail(err error) func(ctx context.Context) (*provider.Stream, error) {
	return func(ctx context.Context) (*provider.Stream, error) {
		return nil, err
	}
}

func fastConfig() Config {
	return Config{MaxRetries: 2, CallTimeout: 2 * time.Second, IdleTimeout: time.Second}
}

func TestCall_StreamsTokensInOrder(t *testing.T) {
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){
		succeed("hello", " ", "world"),
	}}
	r := New(gw, fastConfig(), nil)

	stream, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	out, err := stream.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, 1, gw.callCount())
}

func TestCall_RateLimitNeverRetried(t *testing.T) {
	rl := provider.RateLimited(errors.New("429"), 9*time.Second)
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){fail(rl)}}
	r := New(gw, fastConfig(), nil)

	_, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, provider.KindRateLimited, provider.KindOf(err))
	assert.Equal(t, 9*time.Second, provider.RetryAfterOf(err), "retry-after hint must be preserved")
	assert.Equal(t, 1, gw.callCount(), "relay must not retry rate limits internally")
}

func TestCall_TransientRetriedThenSucceeds(t *testing.T) {
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){
		fail(provider.Transient(errors.New("connection reset"))),
		succeed("recovered"),
	}}
	r := New(gw, fastConfig(), nil)

	stream, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	out, err := stream.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, gw.callCount())
}

func TestCall_TransientRetriesBounded(t *testing.T) {
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){
		fail(provider.Transient(errors.New("reset"))),
	}}
	r := New(gw, fastConfig(), nil)

	_, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 3, gw.callCount(), "initial attempt plus MaxRetries retries")
}

func TestCall_FatalNotRetried(t *testing.T) {
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){
		fail(provider.Fatal(errors.New("401 unauthorized"))),
	}}
	r := New(gw, fastConfig(), nil)

	_, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, provider.KindFatal, provider.KindOf(err))
	assert.Equal(t, 1, gw.callCount())
}

func TestCall_EmptyStreamBeforeTokensRetried(t *testing.T) {
	// Upstream closes with a transient error before producing anything;
	// the relay should treat it like a failed connection and retry.
	brokenStream := func(ctx context.Context) (*provider.Stream, error) {
		stream, writer := provider.NewStream()
		writer.Close(provider.Transient(errors.New("unexpected EOF")))
		return stream, nil
	}
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){
		brokenStream,
		succeed("ok"),
	}}
	r := New(gw, fastConfig(), nil)

	stream, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	out, err := stream.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, gw.callCount())
}

func TestCall_MidStreamFailureIsTerminal(t *testing.T) {
	midFail := func(ctx context.Context) (*provider.Stream, error) {
		stream, writer := provider.NewStream()
		go func() {
			_ = writer.Send(ctx, "partial")
			writer.Close(provider.Transient(errors.New("reset mid-stream")))
		}()
		return stream, nil
	}
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){midFail}}
	r := New(gw, fastConfig(), nil)

	stream, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	out, err := stream.Collect(context.Background())
	assert.Equal(t, "partial", out)
	require.Error(t, err)
	assert.Equal(t, 1, gw.callCount(), "must not replay a partially consumed response")
}

func TestCall_StalledFirstTokenTreatedTransient(t *testing.T) {
	stall := func(ctx context.Context) (*provider.Stream, error) {
		stream, _ := provider.NewStream()
		return stream, nil // never produces a token
	}
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){
		stall,
		succeed("late but fine"),
	}}
	r := New(gw, Config{MaxRetries: 1, CallTimeout: 5 * time.Second, IdleTimeout: 50 * time.Millisecond}, nil)

	stream, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	out, err := stream.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late but fine", out)
	assert.Equal(t, 2, gw.callCount())
}

func TestCall_CancelledContextAborts(t *testing.T) {
	blocked := make(chan struct{})
	slow := func(ctx context.Context) (*provider.Stream, error) {
		stream, writer := provider.NewStream()
		go func() {
			_ = writer.Send(ctx, "first")
			<-blocked // hold the stream open
			writer.Close(nil)
		}()
		return stream, nil
	}
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){slow}}
	r := New(gw, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.Call(ctx, provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	cancel()
	_, err = stream.Collect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	close(blocked)
}

func TestCall_EmptySuccessfulResponse(t *testing.T) {
	empty := func(ctx context.Context) (*provider.Stream, error) {
		stream, writer := provider.NewStream()
		writer.Close(nil)
		return stream, nil
	}
	gw := &fakeGateway{script: []func(context.Context) (*provider.Stream, error){empty}}
	r := New(gw, fastConfig(), nil)

	stream, err := r.Call(context.Background(), provider.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	out, err := stream.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}
