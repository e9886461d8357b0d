// Package scheduler turns an ordered list of chapter specs into a
// complete wiki artifact. At most C chapters generate concurrently; a
// rate-limited chapter sleeps out its advised wait and re-enters the
// queue without occupying a worker slot, so the other chapters keep
// progressing. A chapter that exhausts its attempts is marked failed and
// recorded on the artifact, which is still produced.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jemings/deepwiki-open/internal/index"
	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/metrics"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/relay"
	"github.com/jemings/deepwiki-open/internal/retrieval"
	"github.com/jemings/deepwiki-open/internal/wiki"
)

const (
	// DefaultConcurrency is C, the chapter-generation parallelism bound.
	// Kept small so the aggregate request rate stays under provider limits.
	DefaultConcurrency = 2
	// DefaultMaxAttempts bounds how often a rate-limited chapter is
	// rescheduled before it is marked failed.
	DefaultMaxAttempts = 3
	// DefaultRateLimitFloor is the wait applied when the provider
	// signals a rate limit without a retry-after hint.
	DefaultRateLimitFloor = 5 * time.Second
)

// Config tunes the scheduler. Zero values take the defaults.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	RateLimitFloor time.Duration
}

// Scheduler generates wiki chapters through the relay with retrieval-
// assembled prompts.
type Scheduler struct {
	relay     *relay.Relay
	retriever *retrieval.Engine
	cfg       Config
	logger    *slog.Logger
}

// New creates a scheduler.
func New(r *relay.Relay, retriever *retrieval.Engine, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RateLimitFloor <= 0 {
		cfg.RateLimitFloor = DefaultRateLimitFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{relay: r, retriever: retriever, cfg: cfg, logger: logger}
}

// task is one chapter moving through the queue.
type task struct {
	idx      int
	spec     wiki.ChapterSpec
	attempts int
	started  bool // chapter_started already emitted
}

// outcome is the settled result of one chapter.
type outcome struct {
	body string
	err  error
}

// Generate produces the artifact for specs, in spec order regardless of
// completion order. events may be nil; when set, the caller must drain
// it until Generate returns. Generate fails outright only on context
// cancellation; chapter failures degrade the artifact, they do not
// abort it.
func (s *Scheduler) Generate(ctx context.Context, h *index.Handle, specs []wiki.ChapterSpec, params wiki.Params, events chan<- Event) (*wiki.Artifact, error) {
	results := make([]outcome, len(specs))

	var pending sync.WaitGroup
	pending.Add(len(specs))

	queue := make(chan *task, len(specs))
	for i, spec := range specs {
		queue <- &task{idx: i, spec: spec}
	}

	// The queue closes once every chapter has settled, releasing the workers.
	go func() {
		pending.Wait()
		close(queue)
	}()

	var workers sync.WaitGroup
	for range s.cfg.Concurrency {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for t := range queue {
				s.runTask(ctx, h, t, params, events, queue, results, &pending)
			}
		}()
	}
	workers.Wait()

	if ctx.Err() != nil {
		// The context is already done, so emit would drop this event;
		// hand it to the drainer directly, without blocking.
		if events != nil {
			select {
			case events <- Event{Type: EventError, Chapter: -1, Reason: ctx.Err().Error()}:
			default:
			}
		}
		return nil, fmt.Errorf("wiki generation aborted: %w", ctx.Err())
	}

	artifact := &wiki.Artifact{
		Ref:         h.Ref,
		Params:      params,
		Chapters:    make([]wiki.Chapter, len(specs)),
		GeneratedAt: time.Now(),
	}
	for i, res := range results {
		artifact.Chapters[i] = wiki.Chapter{Title: specs[i].Title, Body: res.body}
		if res.err != nil {
			artifact.Failed = append(artifact.Failed, wiki.FailedChapter{
				Index:  i,
				Title:  specs[i].Title,
				Reason: res.err.Error(),
			})
		}
	}

	emit(ctx, events, Event{Type: EventWikiCompleted, Chapter: -1})
	return artifact, nil
}

// runTask executes one queue entry: generate the chapter, or park it for
// a rate-limit wait, or settle it as failed.
func (s *Scheduler) runTask(ctx context.Context, h *index.Handle, t *task, params wiki.Params, events chan<- Event, queue chan<- *task, results []outcome, pending *sync.WaitGroup) {
	if ctx.Err() != nil {
		s.settle(ctx, t, results, outcome{err: ctx.Err()}, events, pending)
		return
	}

	t.attempts++
	body, err := s.generateChapter(ctx, h, t, params, events)
	if err == nil {
		s.settle(ctx, t, results, outcome{body: body}, events, pending)
		return
	}

	if provider.KindOf(err) == provider.KindRateLimited && t.attempts < s.cfg.MaxAttempts {
		wait := provider.RetryAfterOf(err)
		if wait <= 0 {
			wait = s.cfg.RateLimitFloor
		}
		s.logger.Info("chapter rate limited, rescheduling",
			"chapter", t.idx, "attempt", t.attempts, "wait", wait)

		// Sleep outside the worker slot so the pool keeps draining
		// other chapters, then re-enter the queue.
		go func() {
			select {
			case <-time.After(wait):
				queue <- t
			case <-ctx.Done():
				s.settle(ctx, t, results, outcome{err: ctx.Err()}, events, pending)
			}
		}()
		return
	}

	s.settle(ctx, t, results, outcome{err: err}, events, pending)
}

// settle records a chapter's final outcome exactly once.
func (s *Scheduler) settle(ctx context.Context, t *task, results []outcome, res outcome, events chan<- Event, pending *sync.WaitGroup) {
	results[t.idx] = res
	if res.err == nil {
		metrics.Chapters.WithLabelValues("completed").Inc()
		emit(ctx, events, Event{Type: EventChapterCompleted, Chapter: t.idx, Title: t.spec.Title})
	} else {
		metrics.Chapters.WithLabelValues("failed").Inc()
		s.logger.Warn("chapter failed", "chapter", t.idx, "title", t.spec.Title, "error", res.err)
		emit(ctx, events, Event{Type: EventChapterFailed, Chapter: t.idx, Title: t.spec.Title, Reason: res.err.Error()})
	}
	pending.Done()
}

// generateChapter assembles the chapter prompt from retrieved context
// and streams the body through the relay.
func (s *Scheduler) generateChapter(ctx context.Context, h *index.Handle, t *task, params wiki.Params, events chan<- Event) (string, error) {
	if !t.started {
		emit(ctx, events, Event{Type: EventChapterStarted, Chapter: t.idx, Title: t.spec.Title})
		t.started = true
	}

	chunks, err := s.gatherContext(ctx, h, t.spec)
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}

	stream, err := s.relay.Call(ctx, provider.GenerateRequest{
		System: systemPrompt(params),
		Prompt: chapterPrompt(t.spec, chunks),
	})
	if err != nil {
		return "", err
	}

	var body strings.Builder
	for tok := range stream.Tokens() {
		body.WriteString(tok)
		emit(ctx, events, Event{Type: EventToken, Chapter: t.idx, Text: tok})
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return body.String(), nil
}

// gatherContext combines the ChapterSpec's referenced chunks with a fresh
// similarity query against the chapter outline, deduplicated by id.
func (s *Scheduler) gatherContext(ctx context.Context, h *index.Handle, spec wiki.ChapterSpec) ([]ingest.Chunk, error) {
	seen := make(map[string]bool)
	var chunks []ingest.Chunk

	for _, id := range spec.ChunkIDs {
		if seen[id] {
			continue
		}
		if c, ok := h.ChunkByID(id); ok {
			seen[id] = true
			chunks = append(chunks, c)
		}
	}

	retrieved, err := s.retriever.Retrieve(ctx, h, spec.Title+"\n"+spec.Outline)
	if err != nil {
		return nil, err
	}
	for _, r := range retrieved {
		if seen[r.Chunk.ID] {
			continue
		}
		seen[r.Chunk.ID] = true
		chunks = append(chunks, r.Chunk)
	}
	return chunks, nil
}

func systemPrompt(params wiki.Params) string {
	lang := params.Language
	if lang == "" {
		lang = "English"
	}
	return fmt.Sprintf("You write documentation wiki chapters for software repositories. "+
		"Write in %s, in markdown, grounded strictly in the provided source excerpts.", lang)
}

func chapterPrompt(spec wiki.ChapterSpec, chunks []ingest.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the wiki chapter %q.\n\nOutline:\n%s\n\nSource excerpts:\n", spec.Title, spec.Outline)
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n--- %s (bytes %d-%d) ---\n%s\n", c.Path, c.Start, c.End, c.Text)
	}
	b.WriteString("\nStart the chapter with a level-1 markdown heading matching its title.")
	return b.String()
}

// emit sends an event unless the channel is nil or ctx is done.
func emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
