// Package relay makes every outbound LLM call resilient to upstream rate
// limits, slow streaming responses, and stale connections. It sits
// between the pipeline and the provider gateway: tokens are forwarded to
// the caller the moment they arrive (which is what defeats proxy
// idle-timeout cutoffs), transient connection failures are retried a
// bounded number of times on fresh connections, and rate limits are
// propagated immediately so retry timing stays with the scheduler.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jemings/deepwiki-open/internal/metrics"
	"github.com/jemings/deepwiki-open/internal/provider"
)

const (
	// DefaultMaxRetries bounds transient retries per logical call.
	DefaultMaxRetries = 2
	// DefaultCallTimeout is the per-call wall-clock ceiling, enforced
	// here so the system fails predictably instead of inheriting an
	// opaque proxy cutoff.
	DefaultCallTimeout = 5 * time.Minute
	// DefaultIdleTimeout is the longest the relay waits between two
	// tokens of one response.
	DefaultIdleTimeout = 60 * time.Second

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// Config tunes the relay. Zero values take the defaults above.
type Config struct {
	MaxRetries  int
	CallTimeout time.Duration
	IdleTimeout time.Duration
}

// Relay wraps a provider gateway with retry, timeout, and streaming
// keepalive behavior.
type Relay struct {
	gw     provider.Gateway
	cfg    Config
	logger *slog.Logger
}

// New creates a relay over gw.
func New(gw provider.Gateway, cfg Config, logger *slog.Logger) *Relay {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{gw: gw, cfg: cfg, logger: logger}
}

// Gateway returns the wrapped gateway, for callers that need embeddings
// (embedding calls carry their own retry handling in the index builder).
func (r *Relay) Gateway() provider.Gateway { return r.gw }

// attempt is the ephemeral bookkeeping of one logical call.
type attempt struct {
	payloadHash string
	count       int
	lastKind    provider.ErrorKind
}

// Call runs one streaming generation. It blocks until the first token
// arrives, then returns a live stream and keeps forwarding in the
// background. Retry semantics:
//
//   - RateLimited: returned on first occurrence, never retried here.
//     The retry-after hint is preserved on the error.
//   - Transient before any token: retried up to MaxRetries times with
//     exponential backoff, each attempt on a fresh connection.
//   - Transient after tokens were forwarded: terminal, because a replay
//     would duplicate output the caller already consumed.
//   - Fatal: returned immediately.
func (r *Relay) Call(ctx context.Context, req provider.GenerateRequest) (*provider.Stream, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)

	att := &attempt{payloadHash: hashPayload(req)}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not elapsed time

	var lastErr error
	for att.count <= r.cfg.MaxRetries {
		att.count++

		stream, err := r.startAttempt(callCtx, cancel, req, att)
		if err == nil {
			// startAttempt only returns a stream once the first token is
			// in it; hand it to the caller and let the pump finish.
			return stream, nil
		}
		lastErr = err

		kind := provider.KindOf(err)
		att.lastKind = kind
		switch kind {
		case provider.KindRateLimited:
			metrics.RelayCalls.WithLabelValues("rate_limited").Inc()
			cancel()
			return nil, err
		case provider.KindFatal:
			metrics.RelayCalls.WithLabelValues("fatal").Inc()
			cancel()
			return nil, err
		}

		if callCtx.Err() != nil {
			metrics.RelayCalls.WithLabelValues("cancelled").Inc()
			cancel()
			return nil, fmt.Errorf("call aborted: %w", callCtx.Err())
		}
		if att.count > r.cfg.MaxRetries {
			break
		}

		wait := bo.NextBackOff()
		metrics.RelayRetries.Inc()
		r.logger.Warn("transient failure, retrying on fresh connection",
			"payload", att.payloadHash, "attempt", att.count, "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-callCtx.Done():
			metrics.RelayCalls.WithLabelValues("cancelled").Inc()
			cancel()
			return nil, fmt.Errorf("call aborted: %w", callCtx.Err())
		}
	}

	metrics.RelayCalls.WithLabelValues("transient").Inc()
	cancel()
	return nil, fmt.Errorf("call failed after %d attempts: %w", att.count, lastErr)
}

// startAttempt runs one upstream attempt. It waits for the first token;
// on success it seeds the output stream with that token, spawns the
// forwarding pump, and returns. Errors before the first token are
// returned for the retry loop to classify.
func (r *Relay) startAttempt(ctx context.Context, cancel context.CancelFunc, req provider.GenerateRequest, att *attempt) (*provider.Stream, error) {
	upstream, err := r.gw.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	select {
	case first, ok := <-upstream.Tokens():
		if !ok {
			if upErr := upstream.Err(); upErr != nil {
				return nil, upErr
			}
			// Empty-but-successful response: legal, complete immediately.
			out, writer := provider.NewStream()
			writer.Close(nil)
			metrics.RelayCalls.WithLabelValues("ok").Inc()
			cancel()
			return out, nil
		}
		out, writer := provider.NewStream()
		if err := writer.Send(ctx, first); err != nil {
			writer.Close(err)
			return nil, err
		}
		go r.pump(ctx, cancel, upstream, writer, att)
		return out, nil

	case <-idle.C:
		return nil, provider.Transient(fmt.Errorf("no token within %s (stale connection)", r.cfg.IdleTimeout))

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump forwards the remainder of an upstream response. The idle timer is
// reset on every token; once tokens have been forwarded a failure is
// terminal, never retried.
func (r *Relay) pump(ctx context.Context, cancel context.CancelFunc, upstream *provider.Stream, writer *provider.StreamWriter, att *attempt) {
	defer cancel()
	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case tok, ok := <-upstream.Tokens():
			if !ok {
				err := upstream.Err()
				if err == nil {
					metrics.RelayCalls.WithLabelValues("ok").Inc()
				} else {
					metrics.RelayCalls.WithLabelValues(provider.KindOf(err).String()).Inc()
					r.logger.Warn("stream ended with error",
						"payload", att.payloadHash, "attempt", att.count, "error", err)
				}
				writer.Close(err)
				return
			}
			if err := writer.Send(ctx, tok); err != nil {
				metrics.RelayCalls.WithLabelValues("cancelled").Inc()
				writer.Close(err)
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.cfg.IdleTimeout)

		case <-idle.C:
			metrics.RelayCalls.WithLabelValues("transient").Inc()
			writer.Close(provider.Transient(
				fmt.Errorf("stream stalled: no token within %s", r.cfg.IdleTimeout)))
			return

		case <-ctx.Done():
			metrics.RelayCalls.WithLabelValues("cancelled").Inc()
			writer.Close(ctx.Err())
			return
		}
	}
}

// hashPayload identifies a request in logs without echoing its content.
func hashPayload(req provider.GenerateRequest) string {
	sum := sha256.Sum256([]byte(req.System + "\x00" + req.Prompt))
	return hex.EncodeToString(sum[:8])
}
