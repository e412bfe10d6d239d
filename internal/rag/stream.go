package rag

import (
	"context"
	"sync"
)

// Stream is a cancellable, non-restartable token stream. The producer pushes
// tokens until the answer is complete or the consumer cancels; Err reports
// the terminal error once Tokens is closed.
type Stream struct {
	tokens chan string
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		tokens: make(chan string, 16),
		cancel: cancel,
	}
}

// Tokens yields answer fragments in order. The channel is closed when the
// answer is complete, the stream timed out, or Close was called.
func (s *Stream) Tokens() <-chan string {
	return s.tokens
}

// Err returns the terminal error; only meaningful after Tokens is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producer. Safe to call multiple times and concurrently
// with consumption; pending tokens may still be drained.
func (s *Stream) Close() {
	s.cancel()
}

// push delivers one token unless the producer context is done. Returns false
// when the consumer is gone and production should stop.
func (s *Stream) push(ctx context.Context, token string) bool {
	select {
	case s.tokens <- token:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal error and closes the token channel exactly once.
func (s *Stream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.tokens)
	})
}
