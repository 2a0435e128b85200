// Package policy decides when a live rescue log is written to disk.
//
// The trace poller reports every poll to a Policy. The policy writes the
// log through its Sink:
//   - strict: after every poll that read new trace lines
//   - interval: at most once per interval while new lines are pending
//
// Mark flags changes that did not come from trace lines, such as extents
// added directly. Flush writes pending changes regardless of the policy
// and is called before the log is handed to ddrescue and when an
// interrupted run is cleaned up. Sink errors are returned to the caller.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy controls how often a rescue log is written.
type Policy interface {
	// Record reports a poll that read lines new trace lines.
	Record(ctx context.Context, lines int) error
	// Mark flags the log as changed without writing it.
	Mark()
	// Flush writes pending changes.
	Flush(ctx context.Context) error
	// Stats returns a snapshot of policy counters.
	Stats() Stats
}

// Stats represents policy observability counters.
type Stats struct {
	// Polls is the number of Record calls.
	Polls int64 `json:"polls"`
	// Lines is the total trace lines reported.
	Lines int64 `json:"lines"`
	// Writes is the number of sink writes.
	Writes int64 `json:"writes"`
	// Deferred is the number of polls whose lines were left pending.
	Deferred int64 `json:"deferred"`
	// Errors is the number of failed sink writes.
	Errors int64 `json:"errors"`
}

// Names accepted by New.
const (
	NameStrict   = "strict"
	NameInterval = "interval"
)

// New returns the policy called name. interval is only used by the
// interval policy.
func New(name string, sink Sink, interval time.Duration) (Policy, error) {
	switch name {
	case "", NameStrict:
		return NewStrictPolicy(sink), nil
	case NameInterval:
		return NewIntervalPolicy(sink, IntervalConfig{Interval: interval})
	}
	return nil, fmt.Errorf("unknown flush policy %q (want %s or %s)", name, NameStrict, NameInterval)
}

// statsRecorder is an internal helper for thread-safe stats management.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) record(lines int) {
	r.mu.Lock()
	r.stats.Polls++
	r.stats.Lines += int64(lines)
	r.mu.Unlock()
}

func (r *statsRecorder) write(err error) {
	r.mu.Lock()
	if err != nil {
		r.stats.Errors++
	} else {
		r.stats.Writes++
	}
	r.mu.Unlock()
}

func (r *statsRecorder) deferred() {
	r.mu.Lock()
	r.stats.Deferred++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
