package policy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/usedrescue/policy"
)

func TestStrictPolicy_WritesOnNewLines(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewStrictPolicy(sink)

	for _, n := range []int{0, 5, 0, 3} {
		if err := pol.Record(t.Context(), n); err != nil {
			t.Fatalf("Record(%d) error = %v", n, err)
		}
	}
	if sink.Writes() != 2 {
		t.Errorf("writes = %d, want 2", sink.Writes())
	}
	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if sink.Writes() != 2 {
		t.Errorf("Flush() with nothing pending wrote: writes = %d", sink.Writes())
	}

	stats := pol.Stats()
	if stats.Polls != 4 || stats.Lines != 8 || stats.Writes != 2 {
		t.Errorf("Stats() = %+v, want 4 polls, 8 lines, 2 writes", stats)
	}
}

func TestStrictPolicy_FailedWriteStaysPending(t *testing.T) {
	sink := policy.NewStubSink()
	sink.ErrorOnWrite = errors.New("disk full")
	pol := policy.NewStrictPolicy(sink)

	if err := pol.Record(t.Context(), 1); err == nil {
		t.Fatal("Record() error = nil, want sink error")
	}
	sink.ErrorOnWrite = nil
	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if sink.Writes() != 1 {
		t.Errorf("writes = %d, want 1", sink.Writes())
	}
	if pol.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", pol.Stats().Errors)
	}
}

func TestIntervalPolicy_Batches(t *testing.T) {
	now := time.Unix(1000, 0)
	sink := policy.NewStubSink()
	pol, err := policy.NewIntervalPolicy(sink, policy.IntervalConfig{
		Interval: time.Second,
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewIntervalPolicy() error = %v", err)
	}

	record := func(n int) {
		t.Helper()
		if err := pol.Record(t.Context(), n); err != nil {
			t.Fatalf("Record(%d) error = %v", n, err)
		}
	}

	record(10) // first write is immediate
	now = now.Add(300 * time.Millisecond)
	record(5) // deferred
	now = now.Add(300 * time.Millisecond)
	record(0) // still deferred
	if sink.Writes() != 1 {
		t.Fatalf("writes = %d, want 1", sink.Writes())
	}
	now = now.Add(500 * time.Millisecond)
	record(0) // interval elapsed with lines pending
	if sink.Writes() != 2 {
		t.Fatalf("writes = %d, want 2", sink.Writes())
	}
	now = now.Add(2 * time.Second)
	record(0) // nothing pending
	if sink.Writes() != 2 {
		t.Errorf("write without pending lines: writes = %d", sink.Writes())
	}

	record(1)
	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if sink.Writes() != 3 {
		t.Errorf("writes = %d, want 3", sink.Writes())
	}
	if d := pol.Stats().Deferred; d != 2 {
		t.Errorf("Deferred = %d, want 2", d)
	}
}

func TestPolicy_MarkThenFlushWritesOnce(t *testing.T) {
	for _, name := range []string{policy.NameStrict, policy.NameInterval} {
		t.Run(name, func(t *testing.T) {
			sink := policy.NewStubSink()
			pol, err := policy.New(name, sink, time.Hour)
			if err != nil {
				t.Fatalf("New(%q) error = %v", name, err)
			}
			pol.Mark()
			if sink.Writes() != 0 {
				t.Fatalf("Mark() wrote: writes = %d", sink.Writes())
			}
			if err := pol.Record(t.Context(), 0); err != nil {
				t.Fatalf("Record(0) error = %v", err)
			}
			if err := pol.Flush(t.Context()); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}
			if err := pol.Flush(t.Context()); err != nil {
				t.Fatalf("second Flush() error = %v", err)
			}
			if sink.Writes() != 1 {
				t.Errorf("writes = %d, want 1", sink.Writes())
			}
		})
	}
}

func TestNew(t *testing.T) {
	sink := policy.NewStubSink()
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"strict", false},
		{"interval", false},
		{"buffered", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := policy.New(tt.name, sink, 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
	if _, err := policy.NewIntervalPolicy(sink, policy.IntervalConfig{Interval: -1}); !errors.Is(err, policy.ErrInvalidConfig) {
		t.Errorf("negative interval error = %v, want ErrInvalidConfig", err)
	}
}
