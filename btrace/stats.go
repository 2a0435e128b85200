package btrace

import (
	"fmt"
	"io"
	"maps"
	"slices"
)

// Actions counts blkparse trace actions by kind.
type Actions struct {
	Complete   uint64 `json:"complete" yaml:"complete"`       // C
	Bounce     uint64 `json:"bounce" yaml:"bounce"`           // B
	Issue      uint64 `json:"issue" yaml:"issue"`             // D
	Insert     uint64 `json:"insert" yaml:"insert"`           // I
	Queue      uint64 `json:"queue" yaml:"queue"`             // Q
	FrontMerge uint64 `json:"front_merge" yaml:"front_merge"` // F
	GetRequest uint64 `json:"get_request" yaml:"get_request"` // G
	BackMerge  uint64 `json:"back_merge" yaml:"back_merge"`   // M
	Sleep      uint64 `json:"sleep" yaml:"sleep"`             // S
	Plug       uint64 `json:"plug" yaml:"plug"`               // P
	Unplug     uint64 `json:"unplug" yaml:"unplug"`           // U
	Timer      uint64 `json:"timer" yaml:"timer"`             // T
	Split      uint64 `json:"split" yaml:"split"`             // X
	Remap      uint64 `json:"remap" yaml:"remap"`             // A
}

// RWBS counts request flags.
type RWBS struct {
	Read    uint64 `json:"read" yaml:"read"`
	Write   uint64 `json:"write" yaml:"write"`
	Discard uint64 `json:"discard" yaml:"discard"`
	None    uint64 `json:"none" yaml:"none"`
	// Flush is a leading F; FUA is an F in any later position.
	Flush   uint64 `json:"flush" yaml:"flush"`
	FUA     uint64 `json:"fua" yaml:"fua"`
	Ahead   uint64 `json:"ahead" yaml:"ahead"`
	Barrier uint64 `json:"barrier" yaml:"barrier"`
	Sync    uint64 `json:"sync" yaml:"sync"`
	Meta    uint64 `json:"meta" yaml:"meta"`
}

// Stats summarizes a parsed trace.
type Stats struct {
	// Lines is the number of trace lines read, including malformed ones.
	Lines uint64 `json:"lines" yaml:"lines"`
	// Malformed counts lines with too few fields or bad numbers.
	Malformed uint64  `json:"malformed" yaml:"malformed"`
	Actions   Actions `json:"actions" yaml:"actions"`
	RWBS      RWBS    `json:"rwbs" yaml:"rwbs"`
	// ReadSectors and WriteSectors sum request lengths by direction.
	ReadSectors  uint64 `json:"read_sectors" yaml:"read_sectors"`
	WriteSectors uint64 `json:"write_sectors" yaml:"write_sectors"`
	// Payloads counts requests carrying a payload instead of a range.
	Payloads uint64 `json:"payloads" yaml:"payloads"`
	// Commands counts issuing command names seen in brackets.
	Commands map[string]uint64 `json:"commands" yaml:"commands"`
	// Errors counts non-zero completion errors.
	Errors map[string]uint64 `json:"errors" yaml:"errors"`
}

func newStats() Stats {
	return Stats{Commands: map[string]uint64{}, Errors: map[string]uint64{}}
}

func (s Stats) clone() Stats {
	s.Commands = maps.Clone(s.Commands)
	s.Errors = maps.Clone(s.Errors)
	return s
}

func (a *Actions) count(c byte) {
	switch c {
	case 'C':
		a.Complete++
	case 'B':
		a.Bounce++
	case 'D':
		a.Issue++
	case 'I':
		a.Insert++
	case 'Q':
		a.Queue++
	case 'F':
		a.FrontMerge++
	case 'G':
		a.GetRequest++
	case 'M':
		a.BackMerge++
	case 'S':
		a.Sleep++
	case 'P':
		a.Plug++
	case 'U':
		a.Unplug++
	case 'T':
		a.Timer++
	case 'X':
		a.Split++
	case 'A':
		a.Remap++
	}
}

func (r *RWBS) count(flags string) {
	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case 'F':
			if i == 0 {
				r.Flush++
			} else {
				r.FUA++
			}
		case 'R':
			r.Read++
		case 'W':
			r.Write++
		case 'D':
			r.Discard++
		case 'N':
			r.None++
		case 'A':
			r.Ahead++
		case 'B':
			r.Barrier++
		case 'S':
			r.Sync++
		case 'M':
			r.Meta++
		}
	}
}

// Format writes a human-readable summary of s.
func (s Stats) Format(w io.Writer) error {
	a, r := s.Actions, s.RWBS
	rows := []struct {
		name string
		v    uint64
	}{
		{"lines", s.Lines},
		{"malformed", s.Malformed},
		{"payloads", s.Payloads},
		{"read sectors", s.ReadSectors},
		{"write sectors", s.WriteSectors},
		{"rwbs read", r.Read},
		{"rwbs write", r.Write},
		{"rwbs discard", r.Discard},
		{"rwbs none", r.None},
		{"rwbs flush", r.Flush},
		{"rwbs fua", r.FUA},
		{"rwbs ahead", r.Ahead},
		{"rwbs barrier", r.Barrier},
		{"rwbs sync", r.Sync},
		{"rwbs meta", r.Meta},
		{"complete", a.Complete},
		{"bounce", a.Bounce},
		{"issue", a.Issue},
		{"insert", a.Insert},
		{"queue", a.Queue},
		{"front merge", a.FrontMerge},
		{"get request", a.GetRequest},
		{"back merge", a.BackMerge},
		{"sleep", a.Sleep},
		{"plug", a.Plug},
		{"unplug", a.Unplug},
		{"timer", a.Timer},
		{"split", a.Split},
		{"remap", a.Remap},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-14s %d\n", row.name, row.v); err != nil {
			return err
		}
	}
	for _, group := range []struct {
		title string
		m     map[string]uint64
	}{{"commands", s.Commands}, {"errors", s.Errors}} {
		if len(group.m) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s:\n", group.title); err != nil {
			return err
		}
		for _, k := range slices.Sorted(maps.Keys(group.m)) {
			if _, err := fmt.Fprintf(w, "  %-12s %d\n", k, group.m[k]); err != nil {
				return err
			}
		}
	}
	return nil
}
