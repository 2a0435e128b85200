// Package extent tracks disjoint sector ranges and serializes them to the
// line-oriented rescue log format read and written by GNU ddrescue.
//
// An Extent is a half-open range [Start, Start+N) in 512-byte sectors. A Set
// keeps extents sorted by start, pairwise separated by at least one sector:
// inserting a range that overlaps or touches stored ranges merges them.
package extent

import (
	"fmt"
	"math"

	"github.com/pithecene-io/usedrescue/types"
)

// SectorSize is the device addressing unit in bytes.
const SectorSize = 512

// Extent is a contiguous run of sectors.
type Extent struct {
	Start int64 `json:"start" msgpack:"start"`
	N     int64 `json:"n" msgpack:"n"`
}

// New returns the extent [start, start+n). Negative inputs and ranges
// whose end does not fit in an int64 are rejected.
func New(start, n int64) (Extent, error) {
	switch {
	case start < 0 || n < 0:
		return Extent{}, types.Validationf("extent", "negative range start=%d n=%d", start, n)
	case n > math.MaxInt64-start:
		return Extent{}, types.Validationf("extent", "range start=%d n=%d overflows", start, n)
	}
	return Extent{Start: start, N: n}, nil
}

// Next is the first sector after the extent.
func (e Extent) Next() int64 { return e.Start + e.N }

// End is the last sector of the extent.
func (e Extent) End() int64 { return e.Start + e.N - 1 }

// Contains reports whether o lies entirely inside e.
func (e Extent) Contains(o Extent) bool {
	return e.Start <= o.Start && o.Next() <= e.Next()
}

// Overlaps reports whether e and o share sectors or touch end to start.
func (e Extent) Overlaps(o Extent) bool {
	return (e.Start <= o.Start && o.Start <= e.Next()) ||
		(e.Start <= o.Next() && o.Next() <= e.Next()) ||
		(o.Start <= e.Start && e.Start <= o.Next()) ||
		(o.Start <= e.Next() && e.Next() <= o.Next())
}

// Union merges two overlapping extents. Disjoint extents are an error.
func (e Extent) Union(o Extent) (Extent, error) {
	if !e.Overlaps(o) {
		return Extent{}, types.Validationf("extent.union", "%v and %v do not overlap", e, o)
	}
	start := min(e.Start, o.Start)
	return Extent{Start: start, N: max(e.Next(), o.Next()) - start}, nil
}

func (e Extent) String() string {
	return fmt.Sprintf("(%d,%d)", e.Start, e.N)
}
