// Package ptable parses partition table dumps produced by testdisk,
// normalizes extended/logical roles and computes health flags.
//
// A Table accumulates entries across ingests of testdisk output. Every
// ingest re-runs the normalization passes and re-derives the health flags,
// which drive the automatic versus manual repair branch of a recovery run.
package ptable

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

// DefaultUnaccountedLimit is the number of sectors allowed outside any
// partition before the table is considered incomplete.
const DefaultUnaccountedLimit = 1_000_000

// NoNumber marks an entry testdisk did not assign a number to.
const NoNumber = -1

// Role is the testdisk role tag of an entry.
type Role byte

// Entry roles.
const (
	Bootable    Role = '*'
	Primary     Role = 'P'
	Extended    Role = 'E'
	SubExtended Role = 'X'
	Logical     Role = 'L'
)

// Container reports whether r is an extended container role.
func (r Role) Container() bool { return r == Extended || r == SubExtended }

// primaryLike reports whether r holds a filesystem.
func (r Role) primaryLike() bool { return r == Bootable || r == Primary || r == Logical }

func (r Role) String() string { return string(rune(r)) }

// MarshalText renders the role as its tag character.
func (r Role) MarshalText() ([]byte, error) { return []byte{byte(r)}, nil }

// UnmarshalText parses a role tag character.
func (r *Role) UnmarshalText(b []byte) error {
	if len(b) != 1 {
		return fmt.Errorf("invalid role %q", b)
	}
	switch Role(b[0]) {
	case Bootable, Primary, Extended, SubExtended, Logical:
		*r = Role(b[0])
		return nil
	}
	return fmt.Errorf("invalid role %q", b)
}

// Entry is one partition table row. Start and End are inclusive sectors.
type Entry struct {
	Number int    `json:"number" yaml:"number" msgpack:"number"`
	Role   Role   `json:"role" yaml:"role" msgpack:"role"`
	Type   string `json:"type" yaml:"type" msgpack:"type"`
	Start  int64  `json:"start" yaml:"start" msgpack:"start"`
	End    int64  `json:"end" yaml:"end" msgpack:"end"`
	Size   int64  `json:"size" yaml:"size" msgpack:"size"`
	ID     int    `json:"id" yaml:"id" msgpack:"id"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty" msgpack:"label,omitempty"`
}

// Extent returns the sectors occupied by the entry.
func (e Entry) Extent() extent.Extent {
	return extent.Extent{Start: e.Start, N: e.Size}
}

// NumberString renders the number, "None" when unassigned.
func (e Entry) NumberString() string {
	if e.Number == NoNumber {
		return "None"
	}
	return strconv.Itoa(e.Number)
}

// Flags is a bitset of partition table defects.
type Flags uint8

// Health flags.
const (
	FlagNoEntries Flags = 1 << iota
	FlagUnaccounted
	FlagMultipleExtended
	FlagMissingExtended
	FlagDuplicateNumbers
	FlagNumberGaps
	FlagOverlaps
)

var flagOrder = []Flags{
	FlagNoEntries, FlagUnaccounted, FlagMultipleExtended, FlagMissingExtended,
	FlagDuplicateNumbers, FlagNumberGaps, FlagOverlaps,
}

// Scheme is the partitioning scheme reported by testdisk.
type Scheme string

// Known schemes.
const (
	SchemeUnknown Scheme = ""
	SchemeMBR     Scheme = "mbr"
	SchemeGPT     Scheme = "gpt"
)

// Options configures a Table.
type Options struct {
	// DevSize is the device size in sectors (required).
	DevSize int64
	// UnaccountedLimit defaults to DefaultUnaccountedLimit when zero.
	UnaccountedLimit int64
	// Logger receives warnings about defects. May be nil.
	Logger *log.Logger
}

// Table is a normalized partition table for one device.
type Table struct {
	entries     []Entry
	devSize     int64
	limit       int64
	flags       Flags
	unaccounted int64
	scheme      Scheme
	logger      *log.Logger
}

// New creates an empty table.
func New(opts Options) (*Table, error) {
	if opts.DevSize <= 0 {
		return nil, types.Validationf("ptable", "device size must be positive, got %d", opts.DevSize)
	}
	if opts.UnaccountedLimit < 0 {
		return nil, types.Validationf("ptable", "unaccounted limit must not be negative, got %d", opts.UnaccountedLimit)
	}
	limit := opts.UnaccountedLimit
	if limit == 0 {
		limit = DefaultUnaccountedLimit
	}
	return &Table{devSize: opts.DevSize, limit: limit, logger: opts.Logger}, nil
}

// Entries returns a copy of the entries in ascending start order.
func (t *Table) Entries() []Entry { return slices.Clone(t.entries) }

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// DevSize returns the device size in sectors.
func (t *Table) DevSize() int64 { return t.devSize }

// Flags returns the health flags of the last ingest.
func (t *Table) Flags() Flags { return t.flags }

// Healthy reports whether no health flag is set.
func (t *Table) Healthy() bool { return t.flags == 0 }

// Unaccounted returns the sectors not covered by any filesystem entry.
func (t *Table) Unaccounted() int64 { return t.unaccounted }

// Scheme returns the detected partitioning scheme.
func (t *Table) Scheme() Scheme { return t.scheme }

// Clear drops all entries ready for another manual scan.
func (t *Table) Clear() {
	t.entries = nil
	t.flags = 0
	t.unaccounted = 0
}

// Reasons explains each set health flag.
func (t *Table) Reasons() []string {
	var out []string
	for _, f := range flagOrder {
		if t.flags&f == 0 {
			continue
		}
		switch f {
		case FlagNoEntries:
			out = append(out, "No partition table entries were found.")
		case FlagUnaccounted:
			out = append(out, fmt.Sprintf("There are %d unaccounted MB of space in the partition table.", t.unaccounted/2048))
		case FlagMultipleExtended:
			out = append(out, "More than one Extended partition was found.")
		case FlagMissingExtended:
			out = append(out, "No Extended partition was found but is necessary.")
		case FlagDuplicateNumbers:
			out = append(out, "Partitions with duplicate numbers were found.")
		case FlagNumberGaps:
			out = append(out, "Gaps in partition numbers were found.")
		case FlagOverlaps:
			out = append(out, "Partition overlaps were found.")
		}
	}
	return out
}

// Filesystems returns the entries that hold filesystems.
func (t *Table) Filesystems() []Entry {
	var out []Entry
	for _, e := range t.entries {
		if !e.Role.Container() {
			out = append(out, e)
		}
	}
	return out
}

// sortByStart orders entries by start sector. At equal starts containers
// precede the filesystems they hold, the extended container first.
func (t *Table) sortByStart() {
	slices.SortStableFunc(t.entries, func(a, b Entry) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return roleRank(a.Role) - roleRank(b.Role)
	})
}

func roleRank(r Role) int {
	switch r {
	case Extended:
		return 0
	case SubExtended:
		return 1
	}
	return 2
}
