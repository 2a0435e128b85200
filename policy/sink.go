package policy

import (
	"context"
	"sync"
)

// Sink writes the current rescue log.
type Sink interface {
	WriteLog(ctx context.Context) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context) error

// WriteLog implements Sink.
func (f SinkFunc) WriteLog(ctx context.Context) error { return f(ctx) }

// StubSink is a test sink that counts writes.
type StubSink struct {
	mu     sync.Mutex
	writes int

	// ErrorOnWrite, if non-nil, is returned by WriteLog.
	ErrorOnWrite error
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{}
}

// WriteLog records the write.
func (s *StubSink) WriteLog(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}
	s.writes++
	return nil
}

// Writes returns the number of successful writes.
func (s *StubSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
