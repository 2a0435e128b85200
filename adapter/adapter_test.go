package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

type stubAdapter struct {
	err       error
	published []*RecoveryCompletedEvent
	closed    bool
}

func (s *stubAdapter) Publish(_ context.Context, e *RecoveryCompletedEvent) error {
	s.published = append(s.published, e)
	return s.err
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func TestNewEvent(t *testing.T) {
	meta := &types.RunMeta{RunID: "run-1", Device: "/dev/sdb", Image: "disk.img", Dest: "/mnt"}
	outcome := &types.RecoveryOutcome{Status: types.OutcomeInterrupted, Message: "interrupted", FinalState: "DataRescue", Resumed: true}
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	e := NewEvent(meta, outcome, at, 1500*time.Millisecond)
	if e.EventType != EventType {
		t.Errorf("EventType = %q, want %q", e.EventType, EventType)
	}
	if e.RunID != "run-1" || e.Device != "/dev/sdb" || e.Image != "disk.img" || e.Dest != "/mnt" {
		t.Errorf("identity = %+v", e)
	}
	if e.Status != "interrupted" || !e.Resumed || e.FinalState != "DataRescue" {
		t.Errorf("outcome fields = %+v", e)
	}
	if e.Timestamp != "2026-10-16T12:00:00Z" {
		t.Errorf("Timestamp = %q", e.Timestamp)
	}
	if e.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", e.DurationMs)
	}
}

func TestRetry(t *testing.T) {
	old := Backoff
	Backoff = time.Millisecond
	defer func() { Backoff = old }()

	errPermanent := errors.New("permanent")
	tests := []struct {
		name      string
		retries   int
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, 1, false},
		{"after retries", 3, 2, 3, false},
		{"exhausted", 2, 5, 3, true},
		{"no retries", 0, 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(t.Context(), "test", tt.retries, nil, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errors.New("transient")
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Retry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}

	t.Run("non-retriable", func(t *testing.T) {
		calls := 0
		err := Retry(t.Context(), "test", 5, func(err error) bool { return !errors.Is(err, errPermanent) },
			func(context.Context) error {
				calls++
				return errPermanent
			})
		if !errors.Is(err, errPermanent) {
			t.Errorf("error = %v, want errPermanent", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := Retry(ctx, "test", 1, nil, func(context.Context) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestNotify(t *testing.T) {
	ok := &stubAdapter{}
	bad := &stubAdapter{err: errors.New("unreachable")}
	event := &RecoveryCompletedEvent{RunID: "run-1"}

	err := Notify(t.Context(), []Adapter{bad, ok}, event, log.NewNop())
	if err == nil {
		t.Fatal("expected combined error")
	}
	if len(ok.published) != 1 || ok.published[0] != event {
		t.Errorf("healthy adapter did not receive the event")
	}
	if !ok.closed || !bad.closed {
		t.Errorf("closed = %v/%v, want both", ok.closed, bad.closed)
	}
}
