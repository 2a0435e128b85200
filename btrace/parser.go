// Package btrace turns live block-device activity into used extents.
//
// blktrace records every request issued to the source device while the
// metadata tools run; blkparse renders the events as text. Parser reads
// that text, adds each request's sector range to an extent.Set and keeps
// running Stats. Session owns the blktrace | blkparse pipeline.
package btrace

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

// headerFields is the number of fixed fields before the action-specific
// remainder of a blkparse line.
const headerFields = 7

var (
	rangePattern   = regexp.MustCompile(`(\d+) \+ (\d+)`)
	bracketPattern = regexp.MustCompile(`\[(.+)\]`)
)

// Parser accumulates blkparse output into an extent set.
//
// Line shape, after seven fixed fields (dev cpu seq time pid action rwbs):
//
//	C        sector + n (elapsed) [error]   or  (payload) [error]
//	BDIQ     sector + n (elapsed) [command] or  n_bytes (payload)
//	FGMS     sector + n [command]
//	P U T X A are counted but carry no range.
type Parser struct {
	set    *extent.Set
	stats  Stats
	logger *log.Logger
}

// NewParser returns a parser adding to set. A nil set starts empty.
func NewParser(set *extent.Set, logger *log.Logger) *Parser {
	if set == nil {
		set = extent.NewSet()
	}
	return &Parser{set: set, stats: newStats(), logger: logger}
}

// Set returns the extent set being built.
func (p *Parser) Set() *extent.Set { return p.set }

// Stats returns a snapshot of the counters.
func (p *Parser) Stats() Stats { return p.stats.clone() }

// AddExtent adds a range that was not observed in the trace, such as the
// first and last MiB of the device.
func (p *Parser) AddExtent(start, n int64) error {
	return p.set.Add(start, n)
}

// ParseLine parses one blkparse line. Malformed lines are counted and
// returned as ErrValidation; the set is left unchanged.
func (p *Parser) ParseLine(line string) error {
	p.stats.Lines++
	fields := strings.Fields(line)
	if len(fields) < headerFields {
		p.stats.Malformed++
		return types.Validationf("btrace", "short line %q", line)
	}
	action, flags := fields[5], fields[6]
	rest := ""
	if len(fields) > headerFields {
		// Keep the remainder verbatim so "[kworker/0:1 H]" survives.
		rest = remainder(line, headerFields)
	}

	p.stats.RWBS.count(flags)
	for i := 0; i < len(action); i++ {
		p.stats.Actions.count(action[i])
	}

	var isComplete bool
	switch {
	case strings.Contains(action, "C"):
		isComplete = true
	case strings.ContainsAny(action, "BDIQFGMS"):
	default:
		return nil
	}

	sector, n, err := p.parseRest(isComplete, rest)
	if err != nil {
		p.stats.Malformed++
		return err
	}
	if err := p.set.Add(sector, n); err != nil {
		p.stats.Malformed++
		return err
	}
	switch {
	case strings.Contains(flags, "R"):
		p.stats.ReadSectors += uint64(n)
	case strings.Contains(flags, "W"):
		p.stats.WriteSectors += uint64(n)
	}
	return nil
}

func (p *Parser) parseRest(isComplete bool, rest string) (sector, n int64, err error) {
	if m := rangePattern.FindStringSubmatch(rest); m != nil {
		if sector, err = strconv.ParseInt(m[1], 10, 64); err != nil {
			return 0, 0, types.Validationf("btrace", "sector %q: %w", m[1], err)
		}
		if n, err = strconv.ParseInt(m[2], 10, 64); err != nil {
			return 0, 0, types.Validationf("btrace", "length %q: %w", m[2], err)
		}
	} else {
		p.stats.Payloads++
	}

	if m := bracketPattern.FindStringSubmatch(rest); m != nil {
		tag := m[1]
		switch {
		case !isComplete:
			p.stats.Commands[tag]++
		case tag != "0":
			p.stats.Errors[tag]++
		}
	}
	return sector, n, nil
}

// ParseAll parses every line of r and returns the number of lines read.
// Malformed lines are logged and skipped.
func (p *Parser) ParseAll(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lines := 0
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		if err := p.ParseLine(line); err != nil {
			p.logger.Debug("skipping trace line", map[string]any{"error": err.Error()})
		}
	}
	if err := sc.Err(); err != nil {
		return lines, fmt.Errorf("read trace: %w", err)
	}
	return lines, nil
}

// remainder returns line after its first n whitespace-separated fields.
func remainder(line string, n int) string {
	s := line
	for range n {
		s = strings.TrimLeft(s, " \t")
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return ""
		}
		s = s[i:]
	}
	return strings.TrimSpace(s)
}
