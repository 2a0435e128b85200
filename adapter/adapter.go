// Package adapter defines the completion notification boundary.
//
// Adapters tell a downstream system that a recovery run finished.
// Notification is best-effort: a failed publish never changes the run
// outcome.
package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

// EventType is the event_type of every notification.
const EventType = "recovery_completed"

// RecoveryCompletedEvent is the payload published when a run finishes.
type RecoveryCompletedEvent struct {
	EventType  string `json:"event_type"` // always "recovery_completed"
	Version    string `json:"version"`
	RunID      string `json:"run_id"`
	Device     string `json:"device"`
	Image      string `json:"image"`
	Dest       string `json:"dest"`
	Status     string `json:"status"` // completed, tool_failure, etc.
	Message    string `json:"message,omitempty"`
	FinalState string `json:"final_state"`
	Resumed    bool   `json:"resumed"`
	// Sector counts of the device, metadata set and used-space set.
	DevSize       int64  `json:"dev_size"`
	MetaSectors   int64  `json:"meta_sectors"`
	MappedSectors int64  `json:"mapped_sectors"`
	ArchivePath   string `json:"archive_path,omitempty"`
	Timestamp     string `json:"timestamp"` // RFC 3339
	DurationMs    int64  `json:"duration_ms"`
}

// NewEvent fills the identity and outcome fields of an event.
func NewEvent(meta *types.RunMeta, outcome *types.RecoveryOutcome, completedAt time.Time, d time.Duration) *RecoveryCompletedEvent {
	e := &RecoveryCompletedEvent{
		EventType:  EventType,
		Version:    types.Version,
		Timestamp:  completedAt.UTC().Format(time.RFC3339),
		DurationMs: d.Milliseconds(),
	}
	if meta != nil {
		e.RunID, e.Device, e.Image, e.Dest = meta.RunID, meta.Device, meta.Image, meta.Dest
	}
	if outcome != nil {
		e.Status = string(outcome.Status)
		e.Message = outcome.Message
		e.FinalState = outcome.FinalState
		e.Resumed = outcome.Resumed
	}
	return e
}

// Adapter publishes recovery completion events to a downstream system.
type Adapter interface {
	// Publish sends a completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RecoveryCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff is the wait before the first retry. It doubles per attempt.
var Backoff = 500 * time.Millisecond

// Retry calls op up to 1+retries times with exponential backoff between
// attempts. It stops early when op's error is not retriable.
func Retry(ctx context.Context, name string, retries int, retriable func(error) bool, op func(context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		// No backoff before the first attempt.
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(time.Duration(1<<uint(i-1)) * Backoff):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if retriable != nil && !retriable(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}

// Notify publishes event to every adapter and closes them. Failures are
// logged and combined; they never stop the other adapters.
func Notify(ctx context.Context, adapters []Adapter, event *RecoveryCompletedEvent, logger *log.Logger) error {
	var errs error
	for _, a := range adapters {
		if err := a.Publish(ctx, event); err != nil {
			logger.Warn("completion notification failed", map[string]any{"error": err.Error()})
			errs = multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, a.Close())
	}
	return errs
}
