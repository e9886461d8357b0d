// Package chat runs question-answer sessions grounded in a repository's
// index. Each turn retrieves context, assembles a prompt with prior
// turns under a token budget, and streams the answer through the relay.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jemings/deepwiki-open/internal/index"
	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/relay"
	"github.com/jemings/deepwiki-open/internal/retrieval"
)

// ErrSessionNotFound indicates an unknown or expired session id.
var ErrSessionNotFound = errors.New("chat session not found")

// ErrSessionBusy indicates a turn is already running on the session.
var ErrSessionBusy = errors.New("chat session busy")

const (
	// DefaultHistoryBudget caps the tokens of prior turns included in a
	// prompt. Oldest turns drop first.
	DefaultHistoryBudget = 2000
	// DefaultSessionIdle is how long an untouched session survives.
	DefaultSessionIdle = 30 * time.Minute
)

// State is a session's position in its turn lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
)

// Turn is one question-answer exchange.
type Turn struct {
	Question string
	Answer   string
	At       time.Time
}

// Session holds one conversation's history against a single repository.
type Session struct {
	ID     string
	handle *index.Handle

	mu       sync.Mutex
	state    State
	history  []Turn
	lastUsed time.Time
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the completed turns.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Engine manages sessions and executes turns.
type Engine struct {
	relay     *relay.Relay
	retriever *retrieval.Engine
	logger    *slog.Logger

	historyBudget int
	sessionIdle   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option adjusts engine defaults.
type Option func(*Engine)

// WithHistoryBudget sets the prompt token budget for prior turns.
func WithHistoryBudget(tokens int) Option {
	return func(e *Engine) {
		if tokens > 0 {
			e.historyBudget = tokens
		}
	}
}

// WithSessionIdle sets how long untouched sessions are kept.
func WithSessionIdle(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sessionIdle = d
		}
	}
}

// NewEngine creates a chat engine.
func NewEngine(r *relay.Relay, retriever *retrieval.Engine, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		relay:         r,
		retriever:     retriever,
		logger:        logger,
		historyBudget: DefaultHistoryBudget,
		sessionIdle:   DefaultSessionIdle,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open starts a session over an index handle and returns its id.
func (e *Engine) Open(h *index.Handle) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		handle:   h,
		state:    StateIdle,
		lastUsed: time.Now(),
	}
	e.mu.Lock()
	e.sessions[s.ID] = s
	e.evictIdleLocked()
	e.mu.Unlock()
	return s
}

// Get returns a session by id.
func (e *Engine) Get(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close removes a session.
func (e *Engine) Close(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// evictIdleLocked drops sessions untouched past the idle window.
func (e *Engine) evictIdleLocked() {
	cutoff := time.Now().Add(-e.sessionIdle)
	for id, s := range e.sessions {
		s.mu.Lock()
		idle := s.state == StateIdle && s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(e.sessions, id)
		}
	}
}

// Ask runs one turn: retrieve context for the question, stream the
// answer, and append the exchange to history once the stream completes.
// A rate-limited provider error is returned as-is, with its retry-after
// hint intact; the engine never waits it out on the caller's behalf.
// The returned stream must be drained.
func (e *Engine) Ask(ctx context.Context, s *Session, question string) (*provider.Stream, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.state = StateRetrieving
	s.lastUsed = time.Now()
	history := append([]Turn(nil), s.history...)
	s.mu.Unlock()

	scored, err := e.retriever.Retrieve(ctx, s.handle, question)
	if err != nil {
		e.setState(s, StateIdle)
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	chunks := make([]ingest.Chunk, len(scored))
	for i, r := range scored {
		chunks[i] = r.Chunk
	}

	e.setState(s, StateGenerating)
	inner, err := e.relay.Call(ctx, provider.GenerateRequest{
		System: systemPrompt(s.handle),
		Prompt: turnPrompt(question, e.trimHistory(history), chunks),
	})
	if err != nil {
		e.setState(s, StateIdle)
		return nil, err
	}

	// Relay the tokens while accumulating the answer; history is only
	// appended when the stream ends cleanly.
	out, writer := provider.NewStream()
	go func() {
		var answer strings.Builder
		for tok := range inner.Tokens() {
			answer.WriteString(tok)
			if err := writer.Send(ctx, tok); err != nil {
				e.setState(s, StateIdle)
				writer.Close(err)
				return
			}
		}
		if err := inner.Err(); err != nil {
			e.setState(s, StateIdle)
			writer.Close(err)
			return
		}
		s.mu.Lock()
		s.history = append(s.history, Turn{Question: question, Answer: answer.String(), At: time.Now()})
		s.state = StateIdle
		s.lastUsed = time.Now()
		s.mu.Unlock()
		writer.Close(nil)
	}()
	return out, nil
}

func (e *Engine) setState(s *Session, state State) {
	s.mu.Lock()
	s.state = state
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// trimHistory keeps the most recent turns that fit the token budget,
// dropping from the oldest end.
func (e *Engine) trimHistory(history []Turn) []Turn {
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := ingest.EstimateTokens(history[i].Question) + ingest.EstimateTokens(history[i].Answer)
		if total+cost > e.historyBudget {
			break
		}
		total += cost
		start = i
	}
	return history[start:]
}

func systemPrompt(h *index.Handle) string {
	return fmt.Sprintf("You answer questions about the %s/%s repository. "+
		"Ground every answer in the provided source excerpts; say so when they do not cover the question.",
		h.Ref.Owner, h.Ref.Name)
}

func turnPrompt(question string, history []Turn, chunks []ingest.Chunk) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", turn.Question, turn.Answer)
		}
		b.WriteString("\n")
	}
	b.WriteString("Source excerpts:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", c.Path, c.Text)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String()
}
