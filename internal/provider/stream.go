package provider

import "context"

// Stream delivers generation output token by token. Backpressure is the
// channel's: a slow consumer slows the producer, nothing is buffered
// beyond the channel's small window.
type Stream struct {
	tokens chan string
	err    error
}

// NewStream creates a stream and its producer handle.
func NewStream() (*Stream, *StreamWriter) {
	s := &Stream{tokens: make(chan string, 16)}
	return s, &StreamWriter{stream: s}
}

// Tokens returns the token channel. It is closed when the stream ends;
// Err reports how.
func (s *Stream) Tokens() <-chan string { return s.tokens }

// Err reports the terminal error of the stream. Only valid after Tokens
// has been closed; nil means the stream completed normally.
func (s *Stream) Err() error { return s.err }

// Collect drains the stream into a single string, honoring ctx.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	var out []byte
	for {
		select {
		case tok, ok := <-s.tokens:
			if !ok {
				return string(out), s.err
			}
			out = append(out, tok...)
		case <-ctx.Done():
			return string(out), ctx.Err()
		}
	}
}

// StreamWriter is the producer side of a Stream.
type StreamWriter struct {
	stream *Stream
}

// Send forwards one token, aborting if ctx is cancelled.
func (w *StreamWriter) Send(ctx context.Context, token string) error {
	select {
	case w.stream.tokens <- token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the stream. err becomes the stream's terminal error;
// it must be set before the channel close so consumers observe it after
// the channel drains.
func (w *StreamWriter) Close(err error) {
	w.stream.err = err
	close(w.stream.tokens)
}
