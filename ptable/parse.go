package ptable

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Dump line patterns. Lines are matched from their start.
var (
	lbaPattern = regexp.MustCompile(
		`^\s+(\d+)?\s+([*PEXL])\s+(\w.{0,18}\w)\s+(\d+)\s+(\d+)\s+(\d{4,})\s*\[?(\w+)?\]?`)
	chsPattern = regexp.MustCompile(
		`^\s+(\d+)?\s+([*PEXL])\s+(\w.{0,18}\w)\s+(\d+)\s+(\d{1,3})\s+(\d{1,2})\s+(\d+)\s+(\d{1,3})\s+(\d{1,2})\s+(\d{4,})\s*\[?(\w+)?\]?`)
	geoPattern = regexp.MustCompile(`CHS\s(\d+)\s(\d+)\s(\d+)`)
)

// typeIDs maps testdisk type labels to MBR type identifiers, in lookup order.
var typeIDs = []struct {
	name string
	id   int
}{
	{"extended", 0x05},
	{"extended LBA", 0x0F},
	{"NTFS", 0x07},
	{"HFS", 0xAF},
	{"Linux", 0x83},
	{"Linux Swap", 0x82},
	{"FAT12", 0x01},
	{"FAT16 <32M", 0x04},
	{"FAT16", 0x06},
	{"FAT16 LBA", 0x0E},
	{"FAT32", 0x0B},
	{"FAT32 LBA", 0x0C},
}

// TypeID returns the MBR type identifier for a testdisk type label.
// An exact match wins over any substring match; the first substring match
// is used otherwise. Unknown labels map to 0 and ok is false.
func TypeID(label string) (id int, ok bool) {
	for _, t := range typeIDs {
		switch {
		case t.name == label:
			id, ok = t.id, true
		case !ok && strings.Contains(label, t.name):
			id, ok = t.id, true
		}
	}
	return id, ok
}

// geometry is a cylinder/head/sector disk geometry.
type geometry struct {
	c, h, s int64
}

// toLBA converts a cylinder/head/sector address (sector 1-based).
func (g geometry) toLBA(c, h, s int64) int64 {
	return (c*g.h+h)*g.s + s - 1
}

// fits reports whether devSize lies within the last cylinder.
func (g geometry) fits(devSize int64) bool {
	perCyl := g.h * g.s
	return (g.c-1)*perCyl <= devSize && devSize <= g.c*perCyl
}

// Ingest adds the entries found in a testdisk dump, then renormalizes the
// table and recomputes the health flags.
func (t *Table) Ingest(text string) {
	t.flags = 0
	for _, e := range t.parse(text) {
		if !slices.Contains(t.entries, e) {
			t.entries = append(t.entries, e)
		}
	}
	t.sortByStart()
	t.sift()
	if len(t.entries) == 0 {
		t.logger.Warn("no partition table entries found", nil)
		t.flags |= FlagNoEntries
	}
	t.computeUnaccounted()
	t.logger.Debug("partition table ingested", map[string]any{
		"entries":     len(t.entries),
		"flags":       uint8(t.flags),
		"unaccounted": t.unaccounted,
	})
}

func (t *Table) parse(text string) []Entry {
	var (
		out              []Entry
		geo              geometry
		foundGeo, isLBA  bool
		geoM, chsM, lbaM []string
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		t.detectScheme(line)

		geoM, chsM, lbaM = nil, nil, nil
		switch {
		case foundGeo:
			geoM = geoPattern.FindStringSubmatch(line)
			chsM = chsPattern.FindStringSubmatch(line)
		case isLBA:
			lbaM = lbaPattern.FindStringSubmatch(line)
		default:
			geoM = geoPattern.FindStringSubmatch(line)
			lbaM = lbaPattern.FindStringSubmatch(line)
		}

		switch {
		case geoM != nil:
			g := geometry{c: atoi(geoM[1]), h: atoi(geoM[2]), s: atoi(geoM[3])}
			if g.fits(t.devSize) {
				geo, foundGeo = g, true
			} else {
				t.logger.Error("CHS geometry does not match device size", map[string]any{
					"cylinders": g.c, "heads": g.h, "sectors": g.s, "dev_size": t.devSize,
				})
			}
		case lbaM != nil:
			isLBA = true
			out = append(out, t.newEntry(lbaM[1], lbaM[2], lbaM[3], atoi(lbaM[4]), atoi(lbaM[5]), atoi(lbaM[6]), lbaM[7]))
		case chsM != nil:
			start := geo.toLBA(atoi(chsM[4]), atoi(chsM[5]), atoi(chsM[6]))
			end := geo.toLBA(atoi(chsM[7]), atoi(chsM[8]), atoi(chsM[9]))
			out = append(out, t.newEntry(chsM[1], chsM[2], chsM[3], start, end, atoi(chsM[10]), chsM[11]))
		}
	}
	return out
}

func (t *Table) newEntry(num, role, typ string, start, end, size int64, label string) Entry {
	e := Entry{
		Number: NoNumber,
		Role:   Role(role[0]),
		Type:   typ,
		Start:  start,
		End:    end,
		Size:   size,
		Label:  label,
	}
	if num != "" {
		e.Number = int(atoi(num))
	}
	if span := end - start + 1; size != span {
		// The CHS dialect derives start and end from the geometry but
		// takes the size from the dump.
		t.logger.Warn("partition size does not match its start and end", map[string]any{
			"start": start, "end": end, "size": size, "span": span,
		})
	}
	id, ok := TypeID(typ)
	if !ok {
		t.logger.Warn("unsupported partition type", map[string]any{"type": typ})
	}
	e.ID = id
	return e
}

func (t *Table) detectScheme(line string) {
	if !strings.Contains(line, "Partition table type") {
		return
	}
	switch {
	case strings.Contains(line, "GPT"), strings.Contains(line, "EFI"):
		t.scheme = SchemeGPT
	case strings.Contains(line, "Intel"):
		t.scheme = SchemeMBR
	}
}

// atoi parses digits already validated by a pattern.
func atoi(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
