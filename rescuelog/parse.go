package rescuelog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pithecene-io/usedrescue/extent"
)

// Record is one data line of a rescue log, in bytes.
type Record struct {
	Pos    int64         `json:"pos"`
	Size   int64         `json:"size"`
	Status extent.Status `json:"status"`
}

// Log is a parsed rescue log.
type Log struct {
	// Creator is the first header line without the comment prefix.
	Creator string `json:"creator"`
	// Magic is the phase marker, empty for logs written by ddrescue itself.
	Magic      string   `json:"magic,omitempty"`
	Command    string   `json:"command"`
	CurrentPos int64    `json:"current_pos"`
	Records    []Record `json:"records"`
}

// Totals sums bytes per status.
func (l *Log) Totals() map[extent.Status]int64 {
	out := make(map[extent.Status]int64)
	for _, r := range l.Records {
		out[r.Status] += r.Size
	}
	return out
}

// End is the byte offset after the last record.
func (l *Log) End() int64 {
	if len(l.Records) == 0 {
		return 0
	}
	last := l.Records[len(l.Records)-1]
	return last.Pos + last.Size
}

// Parse reads a rescue log written by this tool or by ddrescue.
func Parse(r io.Reader) (*Log, error) {
	log := &Log{}
	sc := bufio.NewScanner(r)
	sawPos := false
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			parseComment(log, strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}

		fields := strings.Fields(line)
		if !sawPos {
			// current_pos current_status [current_pass]
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: malformed status line %q", lineNo, line)
			}
			pos, err := parseHex(fields[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			log.CurrentPos = pos
			sawPos = true
			continue
		}

		if len(fields) != 3 || len(fields[2]) != 1 {
			return nil, fmt.Errorf("line %d: malformed data line %q", lineNo, line)
		}
		pos, err := parseHex(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		size, err := parseHex(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		st := extent.Status(fields[2][0])
		if !st.Valid() {
			return nil, fmt.Errorf("line %d: unknown status %q", lineNo, fields[2])
		}
		log.Records = append(log.Records, Record{Pos: pos, Size: size, Status: st})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return log, nil
}

func parseComment(log *Log, text string) {
	switch {
	case strings.HasPrefix(text, "Rescue Logfile."):
		log.Creator = text
	case strings.Contains(text, "Command line:"):
		before, after, _ := strings.Cut(text, "Command line:")
		log.Magic = strings.TrimSpace(before)
		log.Command = strings.TrimSpace(after)
	}
}

func parseHex(s string) (int64, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseInt(t, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad hex value %q", s)
	}
	return v, nil
}
