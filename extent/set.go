package extent

import (
	"slices"
	"sort"

	"github.com/pithecene-io/usedrescue/types"
)

// Set is an ordered collection of disjoint, non-adjacent extents.
// The zero value is an empty set ready to use.
//
// Set is not safe for concurrent use.
type Set struct {
	extents []Extent
	// starts mirrors extents[i].Start for binary search.
	starts []int64
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{}
}

// Add inserts [start, start+n), merging with every stored extent it overlaps
// or touches. n == 0 is a no-op.
func (s *Set) Add(start, n int64) error {
	e, err := New(start, n)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	// i: first stored extent starting after the new start.
	i := sort.Search(len(s.starts), func(k int) bool { return s.starts[k] > e.Start })
	lo := i
	if i > 0 && s.extents[i-1].Overlaps(e) {
		lo = i - 1
	}
	// j: first stored extent starting after the new range's next sector.
	// Everything in [i, j) starts inside [start, next] so it overlaps.
	j := sort.Search(len(s.starts), func(k int) bool { return s.starts[k] > e.Next() })

	switch j - lo {
	case 0:
		s.extents = slices.Insert(s.extents, i, e)
		s.starts = slices.Insert(s.starts, i, e.Start)
		return nil
	default:
		merged := e
		for k := lo; k < j; k++ {
			u, err := merged.Union(s.extents[k])
			if err != nil {
				return types.Validationf("extent.add", "merge %v into %v: %v", s.extents[k], merged, err)
			}
			merged = u
		}
		s.extents[lo] = merged
		s.starts[lo] = merged.Start
		s.extents = slices.Delete(s.extents, lo+1, j)
		s.starts = slices.Delete(s.starts, lo+1, j)
		return nil
	}
}

// AddExtent inserts e.
func (s *Set) AddExtent(e Extent) error {
	return s.Add(e.Start, e.N)
}

// Extents returns a copy of the stored extents in ascending order.
func (s *Set) Extents() []Extent {
	return slices.Clone(s.extents)
}

// Len returns the number of stored extents.
func (s *Set) Len() int {
	return len(s.extents)
}

// Sectors returns the total number of sectors covered.
func (s *Set) Sectors() int64 {
	var total int64
	for _, e := range s.extents {
		total += e.N
	}
	return total
}

// Reset empties the set.
func (s *Set) Reset() {
	s.extents = s.extents[:0]
	s.starts = s.starts[:0]
}
