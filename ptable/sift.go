package ptable

import (
	"slices"

	"github.com/pithecene-io/usedrescue/extent"
)

// sift normalizes the table in a fixed sequence of passes.
func (t *Table) sift() {
	t.removeDuplicates(false)
	t.fixExtended()
	t.removeDuplicates(false)
	t.removeDuplicates(true)
	t.checkNumbers()
}

// removeDuplicates drops later entries equal to an earlier one, ignoring
// the number and, with ignoreRole, the role.
func (t *Table) removeDuplicates(ignoreRole bool) {
	seen := make([]Entry, 0, len(t.entries))
	kept := t.entries[:0]
	for _, e := range t.entries {
		key := e
		key.Number = NoNumber
		if ignoreRole {
			key.Role = 0
		}
		if slices.Contains(seen, key) {
			continue
		}
		seen = append(seen, key)
		kept = append(kept, e)
	}
	t.entries = kept
}

// fixContainer keeps the first extended container, dropping the rest, and
// synthesizes one when more than four filesystems are laid out sequentially
// on an MBR disk that has none. It returns the container extent.
func (t *Table) fixContainer() (extent.Extent, bool) {
	var (
		container   extent.Extent
		found       bool
		counted     int
		nested      int
		prevDataEnd int64 = -1
		fourthEnd   int64 = -1
	)
	kept := t.entries[:0]
	for _, e := range t.entries {
		switch {
		case e.Role == Extended:
			if found {
				t.logger.Warn("only one extended partition allowed, keeping the first", map[string]any{"start": e.Start})
				t.flags |= FlagMultipleExtended
				continue
			}
			found = true
			if e.Number > 4 {
				e.Number = 4
			}
			container = e.Extent()
		case e.Role.primaryLike() && e.Start > prevDataEnd:
			counted++
			prevDataEnd = e.End
			if counted == 4 {
				fourthEnd = e.End
			}
			if e.Role == Logical {
				nested++
			}
		case e.Role == SubExtended:
			nested++
		}
		kept = append(kept, e)
	}
	t.entries = kept

	if found {
		return container, true
	}
	if counted > 4 && t.scheme != SchemeGPT && fourthEnd < t.devSize-1 {
		e := Entry{
			Number: 4,
			Role:   Extended,
			Type:   "extended",
			Start:  fourthEnd,
			End:    t.devSize - 1,
			Size:   t.devSize - fourthEnd,
			ID:     0x05,
		}
		t.logger.Warn("no extended partition found, adding one", map[string]any{"start": e.Start, "end": e.End})
		t.entries = append(t.entries, e)
		t.sortByStart()
		return e.Extent(), true
	}
	if nested > 0 {
		t.logger.Warn("logical partitions found without an extended partition", nil)
		t.flags |= FlagMissingExtended
	}
	return extent.Extent{}, false
}

// fixExtended assigns primary or logical roles by containment in the
// extended container and makes sure each logical sits in a sub-container.
func (t *Table) fixExtended() {
	container, hasContainer := t.fixContainer()

	var (
		added    []Entry
		bootable int
		// lastX indexes the current sub-container: into added when
		// lastAdded is set, into t.entries otherwise. -1 when none.
		lastX     = -1
		lastAdded bool
	)
	sub := func() *Entry {
		if lastAdded {
			return &added[lastX]
		}
		return &t.entries[lastX]
	}

	for i := range len(t.entries) {
		e := t.entries[i]
		switch {
		case e.Role == SubExtended:
			lastX, lastAdded = i, false

		case e.Role.primaryLike():
			if e.Role == Bootable {
				bootable++
			}
			inside := hasContainer && container.Contains(e.Extent())
			if !inside {
				if e.Role == Logical || bootable > 1 {
					t.entries[i].Role = Primary
				}
				continue
			}
			if e.Role == Primary || bootable > 1 {
				t.entries[i].Role = Logical
			}

			switch {
			case lastX >= 0 && sub().Extent().Contains(e.Extent()):
				if x := sub(); x.Number == NoNumber && e.Number != NoNumber {
					x.Number = e.Number
				}
			case lastX < 0:
				added = append(added, Entry{
					Number: e.Number,
					Role:   SubExtended,
					Type:   "extended",
					Start:  container.Start + 1,
					End:    e.End,
					Size:   e.End - container.Start,
					ID:     0x05,
				})
				lastX, lastAdded = len(added)-1, true
			default:
				next := sub().Extent().Next()
				added = append(added, Entry{
					Number: e.Number,
					Role:   SubExtended,
					Type:   "extended",
					Start:  next,
					End:    e.End,
					Size:   e.End - next + 1,
					ID:     0x05,
				})
				lastX, lastAdded = len(added)-1, true
			}
		}
	}
	t.entries = append(t.entries, added...)
	t.sortByStart()
}

// checkNumbers flags duplicate numbers, numbering gaps and overlapping
// filesystems. Only the first of a run of overlaps is reported.
func (t *Table) checkNumbers() {
	dupReported := make(map[int]bool)
	var (
		prevDataEnd int64 = -1
		warned      bool
	)
	for _, e := range t.entries {
		if e.Role == SubExtended {
			continue
		}
		if e.Role != Extended {
			if e.Start > prevDataEnd {
				warned = false
				prevDataEnd = e.End
			} else if !warned {
				t.logger.Warn("partition overlap", map[string]any{"start": e.Start, "prev_end": prevDataEnd})
				warned = true
				t.flags |= FlagOverlaps
			}
		}
		if e.Number == NoNumber {
			continue
		}
		reported, seen := dupReported[e.Number]
		switch {
		case !seen:
			dupReported[e.Number] = false
		case !reported:
			dupReported[e.Number] = true
			t.logger.Warn("duplicate partition number", map[string]any{"number": e.Number})
			t.flags |= FlagDuplicateNumbers
		}
	}

	nums := make([]int, 0, len(dupReported))
	for n := range dupReported {
		nums = append(nums, n)
	}
	slices.Sort(nums)
	prev := 0
	for _, n := range nums {
		if n-prev > 1 {
			t.logger.Warn("gap in partition numbering", map[string]any{"from": prev, "to": n})
			t.flags |= FlagNumberGaps
		}
		prev = n
	}
}

// computeUnaccounted sums the sectors covered by filesystem entries and
// flags the table when the remainder of the device exceeds the limit.
func (t *Table) computeUnaccounted() {
	var (
		total int64
		cur   extent.Extent
		have  bool
	)
	for _, e := range t.entries {
		if e.Role.Container() {
			continue
		}
		x := e.Extent()
		if have && cur.Overlaps(x) {
			cur, _ = cur.Union(x)
			continue
		}
		if have {
			total += cur.N
		}
		cur, have = x, true
	}
	if have {
		total += cur.N
	}

	t.unaccounted = t.devSize - total
	if t.unaccounted > t.limit {
		t.logger.Warn("sectors unaccounted for by partition table", map[string]any{
			"unaccounted_mb": t.unaccounted / 2048,
			"limit_mb":       t.limit / 2048,
			"dev_size_mb":    t.devSize / 2048,
		})
		t.flags |= FlagUnaccounted
	}
}
