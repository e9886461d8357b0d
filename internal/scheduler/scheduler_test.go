package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemings/deepwiki-open/internal/index"
	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/relay"
	"github.com/jemings/deepwiki-open/internal/repo"
	"github.com/jemings/deepwiki-open/internal/retrieval"
	"github.com/jemings/deepwiki-open/internal/wiki"
)

// chapterGateway scripts one behavior sequence per chapter title and
// tracks how many Generate calls run at once.
type chapterGateway struct {
	mu        sync.Mutex
	behaviors map[string][]func(ctx context.Context) (*provider.Stream, error)
	calls     map[string]int
	active    int
	maxActive int
}

func newChapterGateway() *chapterGateway {
	return &chapterGateway{
		behaviors: make(map[string][]func(ctx context.Context) (*provider.Stream, error)),
		calls:     make(map[string]int),
	}
}

func (g *chapterGateway) on(title string, behaviors ...func(ctx context.Context) (*provider.Stream, error)) {
	g.behaviors[title] = behaviors
}

func (g *chapterGateway) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Stream, error) {
	g.mu.Lock()
	var title string
	for t := range g.behaviors {
		if strings.Contains(req.Prompt, "\""+t+"\"") {
			title = t
			break
		}
	}
	if title == "" {
		g.mu.Unlock()
		return nil, errors.New("no behavior for prompt")
	}
	idx := g.calls[title]
	g.calls[title]++
	script := g.behaviors[title]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()
	return script[idx](ctx)
}

func (g *chapterGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (g *chapterGateway) EmbeddingModel() string { return "fake-embed" }
func (g *chapterGateway) Model() string          { return "fake-model" }

func (g *chapterGateway) callCount(title string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[title]
}

func (g *chapterGateway) peakActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
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

func succeedSlow(delay time.Duration, tokens ...string) func(ctx context.Context) (*provider.Stream, error) {
	inner := succeed(tokens...)
	return func(ctx context.Context) (*provider.Stream, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return inner(ctx)
	}
}

func fail(err error) func(ctx context.Context) (*provider.Stream, error) {
	return func(ctx context.Context) (*provider.Stream, error) {
		return nil, err
	}
}

func testRef() repo.Ref {
	return repo.Ref{Provider: "github", Owner: "acme", Name: "widget", Rev: "main"}
}

func buildHandle(t *testing.T, gw provider.Gateway) *index.Handle {
	t.Helper()
	chunks := []ingest.Chunk{
		{ID: "chunk-a", Path: "main.go", Text: "package main", Tokens: 3},
		{ID: "chunk-b", Path: "server.go", Text: "package server", Tokens: 3},
	}
	builder := index.NewBuilder(gw, index.NewMemoryStore(2), 0, nil)
	h, err := builder.Build(context.Background(), testRef(), chunks)
	require.NoError(t, err)
	return h
}

func newScheduler(gw provider.Gateway, cfg Config) *Scheduler {
	r := relay.New(gw, relay.Config{MaxRetries: 1, CallTimeout: 5 * time.Second, IdleTimeout: 2 * time.Second}, nil)
	return New(r, retrieval.NewEngine(4, 0.1, 1000), cfg, nil)
}

func specsFor(titles ...string) []wiki.ChapterSpec {
	specs := make([]wiki.ChapterSpec, len(titles))
	for i, title := range titles {
		specs[i] = wiki.ChapterSpec{Title: title, Outline: "overview"}
	}
	return specs
}

func TestGenerate_AssemblesInSpecOrder(t *testing.T) {
	gw := newChapterGateway()
	// The first chapter finishes last; artifact order must not change.
	gw.on("Overview", succeedSlow(120*time.Millisecond, "overview body"))
	gw.on("Architecture", succeed("architecture body"))
	gw.on("Configuration", succeed("configuration body"))
	gw.on("Testing", succeed("testing body"))

	s := newScheduler(gw, Config{Concurrency: 2})
	artifact, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview", "Architecture", "Configuration", "Testing"), wiki.Params{Model: "fake-model"}, nil)
	require.NoError(t, err)

	require.Len(t, artifact.Chapters, 4)
	assert.Equal(t, "Overview", artifact.Chapters[0].Title)
	assert.Equal(t, "overview body", artifact.Chapters[0].Body)
	assert.Equal(t, "Testing", artifact.Chapters[3].Title)
	assert.Equal(t, "testing body", artifact.Chapters[3].Body)
	assert.Empty(t, artifact.Failed)
}

func TestGenerate_BoundsConcurrency(t *testing.T) {
	gw := newChapterGateway()
	titles := []string{"One", "Two", "Three", "Four", "Five", "Six"}
	for _, title := range titles {
		gw.on(title, succeedSlow(30*time.Millisecond, "body"))
	}

	s := newScheduler(gw, Config{Concurrency: 2})
	_, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor(titles...), wiki.Params{}, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, gw.peakActive(), 2)
}

func TestGenerate_RateLimitedChapterRequeued(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview",
		fail(provider.RateLimited(errors.New("429"), 20*time.Millisecond)),
		succeed("second try"))
	gw.on("Architecture", succeed("architecture body"))

	s := newScheduler(gw, Config{Concurrency: 2, RateLimitFloor: 20 * time.Millisecond})
	artifact, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview", "Architecture"), wiki.Params{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, gw.callCount("Overview"))
	assert.Equal(t, "second try", artifact.Chapters[0].Body)
	assert.Empty(t, artifact.Failed)
}

func TestGenerate_RateLimitWaitFreesWorkerSlot(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview",
		fail(provider.RateLimited(errors.New("429"), 150*time.Millisecond)),
		succeed("late body"))
	gw.on("Architecture", succeed("fast body"))

	events := make(chan Event, 64)
	s := newScheduler(gw, Config{Concurrency: 1})
	_, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview", "Architecture"), wiki.Params{}, events)
	require.NoError(t, err)
	close(events)

	// With one worker, the second chapter must complete while the first
	// waits out its rate limit.
	var completed []int
	for ev := range events {
		if ev.Type == EventChapterCompleted {
			completed = append(completed, ev.Chapter)
		}
	}
	require.Equal(t, []int{1, 0}, completed)
}

func TestGenerate_FailedChapterFlaggedNotOmitted(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview", succeed("overview body"))
	gw.on("Architecture", fail(provider.Fatal(errors.New("prompt rejected"))))
	gw.on("Testing", succeed("testing body"))

	s := newScheduler(gw, Config{Concurrency: 2})
	artifact, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview", "Architecture", "Testing"), wiki.Params{}, nil)
	require.NoError(t, err)

	require.Len(t, artifact.Chapters, 3)
	assert.Equal(t, "Architecture", artifact.Chapters[1].Title)
	assert.Empty(t, artifact.Chapters[1].Body)
	require.Len(t, artifact.Failed, 1)
	assert.Equal(t, 1, artifact.Failed[0].Index)
	assert.Contains(t, artifact.Failed[0].Reason, "prompt rejected")
}

func TestGenerate_RateLimitAttemptsCapped(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview", fail(provider.RateLimited(errors.New("429"), 5*time.Millisecond)))

	s := newScheduler(gw, Config{Concurrency: 1, MaxAttempts: 2, RateLimitFloor: 5 * time.Millisecond})
	artifact, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview"), wiki.Params{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, gw.callCount("Overview"))
	require.Len(t, artifact.Failed, 1)
	assert.Equal(t, 0, artifact.Failed[0].Index)
}

func TestGenerate_EmitsLifecycleEvents(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview", succeed("tok1", "tok2"))

	events := make(chan Event, 64)
	s := newScheduler(gw, Config{Concurrency: 1})
	_, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview"), wiki.Params{}, events)
	require.NoError(t, err)
	close(events)

	var types []EventType
	var tokens []string
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == EventToken {
			tokens = append(tokens, ev.Text)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventChapterStarted, types[0])
	assert.Equal(t, EventWikiCompleted, types[len(types)-1])
	assert.Equal(t, []string{"tok1", "tok2"}, tokens)
}

func TestGenerate_StartedEmittedOncePerChapter(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview",
		fail(provider.RateLimited(errors.New("429"), 5*time.Millisecond)),
		succeed("body"))

	events := make(chan Event, 64)
	s := newScheduler(gw, Config{Concurrency: 1, RateLimitFloor: 5 * time.Millisecond})
	_, err := s.Generate(context.Background(), buildHandle(t, gw),
		specsFor("Overview"), wiki.Params{}, events)
	require.NoError(t, err)
	close(events)

	started := 0
	for ev := range events {
		if ev.Type == EventChapterStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestGenerate_EndToEndFromIngestedRepository(t *testing.T) {
	// Three files, the large one windowing into five chunks, seven total.
	big := strings.Repeat("func handle() { return }\n", 240)[:6000]
	files := []repo.File{
		{Path: "main.go", Content: []byte("package main\n\nfunc main() {}\n")},
		{Path: "server.go", Content: []byte(big)},
		{Path: "util.go", Content: []byte("package main\n\nfunc helper() {}\n")},
	}

	ref := testRef()
	result := ingest.NewChunker().IngestFiles(ref, files)
	require.Len(t, result.Chunks, 7)

	gw := newChapterGateway()
	titles := []string{"Overview", "Server", "Utilities", "Entry Point"}
	for _, title := range titles {
		gw.on(title, succeedSlow(20*time.Millisecond, "chapter body"))
	}

	builder := index.NewBuilder(gw, index.NewMemoryStore(2), 0, nil)
	h, err := builder.Build(context.Background(), ref, result.Chunks)
	require.NoError(t, err)

	s := newScheduler(gw, Config{Concurrency: 2})
	artifact, err := s.Generate(context.Background(), h, specsFor(titles...), wiki.Params{}, nil)
	require.NoError(t, err)

	require.Len(t, artifact.Chapters, 4)
	for i, title := range titles {
		assert.Equal(t, title, artifact.Chapters[i].Title)
	}
	assert.Empty(t, artifact.Failed)
	assert.LessOrEqual(t, gw.peakActive(), 2)
}

func TestGenerate_CancelAborts(t *testing.T) {
	gw := newChapterGateway()
	gw.on("Overview", succeedSlow(5*time.Second, "never"))

	ctx, cancel := context.WithCancel(context.Background())
	h := buildHandle(t, gw)
	s := newScheduler(gw, Config{Concurrency: 1})

	time.AfterFunc(50*time.Millisecond, cancel)
	events := make(chan Event, 16)
	_, err := s.Generate(ctx, h, specsFor("Overview"), wiki.Params{}, events)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The abort is reported on the event stream even though the context
	// is already done.
	close(events)
	var sawError bool
	for ev := range events {
		if ev.Type == EventError {
			sawError = true
			assert.Equal(t, -1, ev.Chapter)
			assert.NotEmpty(t, ev.Reason)
		}
	}
	assert.True(t, sawError, "cancellation must surface an error event")
}
