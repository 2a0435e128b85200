package policy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultInterval is the default minimum delay between interval writes.
const DefaultInterval = 2 * time.Second

// ErrInvalidConfig is returned when IntervalConfig is invalid.
var ErrInvalidConfig = errors.New("invalid config: interval must not be negative")

// IntervalConfig configures an IntervalPolicy.
type IntervalConfig struct {
	// Interval is the minimum delay between writes. Zero means
	// DefaultInterval.
	Interval time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// IntervalPolicy batches trace lines and writes the log at most once per
// interval. Large traces rewrite a long log, so writing on every poll
// can dominate the cycle time.
type IntervalPolicy struct {
	sink   Sink
	config IntervalConfig
	stats  statsRecorder

	mu        sync.Mutex // guards pending state only
	pending   bool
	lastWrite time.Time
}

// NewIntervalPolicy creates a new interval policy.
func NewIntervalPolicy(sink Sink, config IntervalConfig) (*IntervalPolicy, error) {
	if config.Interval < 0 {
		return nil, ErrInvalidConfig
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &IntervalPolicy{sink: sink, config: config}, nil
}

// Record marks lines pending and writes once the interval has elapsed
// since the last write.
func (p *IntervalPolicy) Record(ctx context.Context, lines int) error {
	p.stats.record(lines)
	p.mu.Lock()
	defer p.mu.Unlock()
	if lines > 0 {
		p.pending = true
	}
	if !p.pending {
		return nil
	}
	if !p.lastWrite.IsZero() && p.config.Now().Sub(p.lastWrite) < p.config.Interval {
		p.stats.deferred()
		return nil
	}
	return p.writeLocked(ctx)
}

// Mark flags the log as changed. It is written once the interval allows
// or on Flush.
func (p *IntervalPolicy) Mark() {
	p.mu.Lock()
	p.pending = true
	p.mu.Unlock()
}

// Flush writes pending lines regardless of the interval.
func (p *IntervalPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return nil
	}
	return p.writeLocked(ctx)
}

func (p *IntervalPolicy) writeLocked(ctx context.Context) error {
	err := p.sink.WriteLog(ctx)
	p.stats.write(err)
	if err != nil {
		return err
	}
	p.pending = false
	p.lastWrite = p.config.Now()
	return nil
}

// Stats returns policy statistics.
func (p *IntervalPolicy) Stats() Stats {
	return p.stats.snapshot()
}
