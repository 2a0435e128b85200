package extent

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pithecene-io/usedrescue/types"
)

// Status is a rescue log block status character.
type Status byte

// Block statuses understood by ddrescue.
const (
	NonTried   Status = '?'
	NonTrimmed Status = '*'
	NonSplit   Status = '/'
	BadSector  Status = '-'
	Finished   Status = '+'
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case NonTried, NonTrimmed, NonSplit, BadSector, Finished:
		return true
	}
	return false
}

func (s Status) String() string { return string(rune(s)) }

// Name is the long form used in reports.
func (s Status) Name() string {
	switch s {
	case NonTried:
		return "non-tried"
	case NonTrimmed:
		return "non-trimmed"
	case NonSplit:
		return "non-split"
	case BadSector:
		return "bad-sector"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// MarshalText renders the status character.
func (s Status) MarshalText() ([]byte, error) { return []byte{byte(s)}, nil }

// UnmarshalText accepts a single known status character.
func (s *Status) UnmarshalText(b []byte) error {
	if len(b) != 1 || !Status(b[0]).Valid() {
		return types.Validationf("status", "unknown block status %q", b)
	}
	*s = Status(b[0])
	return nil
}

// Header identifies the producer of a rescue log.
type Header struct {
	// Magic distinguishes the producing phase, e.g. "MetaRescue".
	Magic string
	// Args is the invocation recorded in the log.
	Args []string
}

// WriteRescueLog writes the full rescue log for devStart..devEnd (sectors,
// devEnd exclusive). Stored extents get status ext; every gap before,
// between and after them gets status fill. Extents are clipped to the
// device bounds.
func (s *Set) WriteRescueLog(w io.Writer, h Header, fill, ext Status, devStart, devEnd int64) error {
	if !fill.Valid() || !ext.Valid() {
		return types.Validationf("rescuelog", "invalid status fill=%q ext=%q", fill, ext)
	}
	if devStart < 0 || devEnd < devStart {
		return types.Validationf("rescuelog", "invalid device bounds %d..%d", devStart, devEnd)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# Rescue Logfile. Created by %s %s\n", types.ToolName, types.Version)
	fmt.Fprintf(bw, "# %s Command line: %s\n", h.Magic, strings.Join(h.Args, " "))
	fmt.Fprintf(bw, "# current_pos  current_status\n")
	fmt.Fprintf(bw, "0x0000000000   %c\n", NonTried)
	fmt.Fprintf(bw, "#        pos          size  status\n")

	pos := devStart
	for _, e := range s.extents {
		start := max(e.Start, devStart)
		next := min(e.Next(), devEnd)
		if next <= start {
			continue
		}
		if start > pos {
			writeLine(bw, pos, start-pos, fill)
		}
		writeLine(bw, start, next-start, ext)
		pos = next
	}
	if devEnd > pos {
		writeLine(bw, pos, devEnd-pos, fill)
	}
	fmt.Fprintln(bw)
	return bw.Flush()
}

func writeLine(w io.Writer, start, n int64, st Status) {
	fmt.Fprintf(w, "%s  %s  %c\n", hex(start*SectorSize), hex(n*SectorSize), st)
}

// hex renders v the way ddrescue does: 0X prefix, ten upper-case digits.
func hex(v int64) string {
	return fmt.Sprintf("0X%010X", v)
}
