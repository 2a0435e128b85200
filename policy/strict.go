package policy

import (
	"context"
	"sync"
)

// StrictPolicy writes the log after every poll that read new lines, so
// the viewer and a resumed run always see the latest trace.
type StrictPolicy struct {
	sink  Sink
	stats statsRecorder

	mu      sync.Mutex
	pending bool
}

// NewStrictPolicy creates a new strict policy writing to the given sink.
func NewStrictPolicy(sink Sink) *StrictPolicy {
	return &StrictPolicy{sink: sink}
}

// Record writes the log when lines is positive.
func (p *StrictPolicy) Record(ctx context.Context, lines int) error {
	p.stats.record(lines)
	if lines <= 0 {
		return nil
	}
	p.Mark()
	return p.Flush(ctx)
}

// Mark flags the log as changed. The next Record or Flush writes it.
func (p *StrictPolicy) Mark() {
	p.mu.Lock()
	p.pending = true
	p.mu.Unlock()
}

// Flush writes the log if changes are unwritten, e.g. after a failed
// write or a Mark.
func (p *StrictPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return nil
	}
	err := p.sink.WriteLog(ctx)
	p.stats.write(err)
	if err == nil {
		p.pending = false
	}
	return err
}

// Stats returns policy statistics.
func (p *StrictPolicy) Stats() Stats {
	return p.stats.snapshot()
}
