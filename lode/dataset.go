package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ErrNoRecordFound is returned when no record of the requested kind
// matches the filters.
var ErrNoRecordFound = errors.New("no matching archive record found")

// NewReadDataset creates a Lode Dataset for reading.
// Uses the same codec and layout as the write path.
func NewReadDataset(factory lode.StoreFactory) (lode.Dataset, error) {
	ds, err := newDataset(Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, Dataset)
	}
	return ds, nil
}

// NewReadDatasetFS creates a read Dataset with filesystem storage.
func NewReadDatasetFS(rootPath string) (lode.Dataset, error) {
	return NewReadDataset(lode.NewFSFactory(rootPath))
}

// Filter selects archive records. Empty fields match everything.
type Filter struct {
	Kind   string
	RunID  string
	Device string
}

func (f Filter) matchSnapshot(snap *lode.DatasetSnapshot) bool {
	return snapshotMatchesFilter(snap, "record_kind", f.Kind) &&
		snapshotMatchesFilter(snap, "run_id", f.RunID) &&
		snapshotMatchesFilter(snap, "device", f.Device)
}

func (f Filter) matchRecord(record map[string]any) bool {
	return (f.Kind == "" || toString(record["record_kind"]) == f.Kind) &&
		(f.RunID == "" || toString(record["run_id"]) == f.RunID) &&
		(f.Device == "" || toString(record["device"]) == f.Device)
}

// QueryLatest finds the most recent record matching f.
// Returns ErrNoRecordFound if none exist.
func QueryLatest(ctx context.Context, ds lode.Dataset, f Filter) (map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, Dataset+"/snapshots")
	}

	// Snapshots are ordered by creation time.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !f.matchSnapshot(snap) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", Dataset, snap.ID))
		}

		// Manifest paths are a coarse pre-filter; record fields are authoritative.
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if f.matchRecord(record) {
				return record, nil
			}
		}
	}
	return nil, ErrNoRecordFound
}

// snapshotMatchesFilter checks if a snapshot's file paths match
// the given partition key=value filter.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment, so run_id=run-1 does not match run_id=run-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
