// Package lode archives finished recovery runs into a Lode dataset.
//
// A run archive holds JSONL run records (summary, partition table health,
// trace statistics, counters) and the run's log files. Everything lands
// under a Hive layout partitioned by device, day and run id, on the local
// filesystem or in S3.
package lode

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Dataset is the Lode dataset ID of run archives.
const Dataset = "usedrescue"

// DeriveDay computes the partition day from the run start time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(startTime time.Time) string {
	return startTime.UTC().Format("2006-01-02")
}

// DeviceKey turns a device path into a partition value: "/dev/sdb"
// becomes "sdb".
func DeviceKey(device string) string {
	key := filepath.Base(filepath.Clean(device))
	if key == "." || key == string(filepath.Separator) {
		return "unknown"
	}
	return strings.NewReplacer("=", "_", "/", "_").Replace(key)
}

// Config holds the archive partition keys. All are required.
type Config struct {
	// Dataset is the Lode dataset ID, normally Dataset.
	Dataset string
	// Device is the partition key derived from the device path.
	Device string
	// Day is derived from the run start time (YYYY-MM-DD UTC).
	Day string
	// RunID is the run identifier.
	RunID string
}

// Archiver stores a finished run.
type Archiver interface {
	// WriteRun writes the run records in one batch.
	WriteRun(ctx context.Context, run Run) error
	// PutFile writes one log file next to the run records.
	// The filename must not contain path separators or "..".
	PutFile(ctx context.Context, filename string, data []byte) error
	// Close releases client resources.
	Close() error
}

// StubArchiver records archive calls for testing.
type StubArchiver struct {
	mu     sync.Mutex
	Runs   []Run
	Files  map[string][]byte
	Err    error
	Closed bool
}

// NewStubArchiver creates a new stub archiver.
func NewStubArchiver() *StubArchiver {
	return &StubArchiver{Files: map[string][]byte{}}
}

// WriteRun implements Archiver.
func (s *StubArchiver) WriteRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Runs = append(s.Runs, run)
	return nil
}

// PutFile implements Archiver.
func (s *StubArchiver) PutFile(_ context.Context, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Files[filename] = data
	return nil
}

// Close implements Archiver.
func (s *StubArchiver) Close() error {
	s.Closed = true
	return nil
}

var _ Archiver = (*StubArchiver)(nil)
