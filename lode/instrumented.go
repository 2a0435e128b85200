package lode

import (
	"context"

	"github.com/pithecene-io/usedrescue/metrics"
)

// InstrumentedArchiver wraps an Archiver and counts every write as a
// lode_write_success or lode_write_failure on the collector.
type InstrumentedArchiver struct {
	inner     Archiver
	collector *metrics.Collector
}

// NewInstrumentedArchiver wraps an archiver with metrics instrumentation.
func NewInstrumentedArchiver(inner Archiver, collector *metrics.Collector) *InstrumentedArchiver {
	return &InstrumentedArchiver{inner: inner, collector: collector}
}

func (a *InstrumentedArchiver) count(err error) error {
	if err != nil {
		a.collector.IncLodeWriteFailure()
	} else {
		a.collector.IncLodeWriteSuccess()
	}
	return err
}

// WriteRun delegates to the inner archiver and records success or failure.
func (a *InstrumentedArchiver) WriteRun(ctx context.Context, run Run) error {
	return a.count(a.inner.WriteRun(ctx, run))
}

// PutFile delegates to the inner archiver and records success or failure.
func (a *InstrumentedArchiver) PutFile(ctx context.Context, filename string, data []byte) error {
	return a.count(a.inner.PutFile(ctx, filename, data))
}

// Close delegates to the inner archiver.
func (a *InstrumentedArchiver) Close() error {
	return a.inner.Close()
}

var _ Archiver = (*InstrumentedArchiver)(nil)
