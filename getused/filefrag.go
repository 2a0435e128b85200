package getused

import (
	"bufio"
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/proc"
)

// filefragPattern matches a filefrag -b512 -e extent row:
//
//	ext:     logical_offset:        physical_offset: length:   expected: flags:
//	  0:        0..    3351:   27557888..  27561239:   3352:
var filefragPattern = regexp.MustCompile(`^\s*\d+:\s+\d+\.\.\s+\d+:\s+(\d+)\.\.\s+(\d+):\s+(\d+)`)

// ParseFilefrag returns the physical extents listed in filefrag output,
// shifted by offset sectors and ordered by start.
func ParseFilefrag(text string, offset int64) []extent.Extent {
	var out []extent.Extent
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		m := filefragPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		start, err1 := strconv.ParseInt(m[1], 10, 64)
		n, err2 := strconv.ParseInt(m[3], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, extent.Extent{Start: start + offset, N: n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Filefrag runs filefrag on path and returns its extents shifted by
// offset.
func Filefrag(ctx context.Context, run proc.Runner, path string, offset int64) ([]extent.Extent, error) {
	res, err := proc.Run(ctx, run, "filefrag", "-b512", "-e", path)
	if err != nil {
		return nil, err
	}
	return ParseFilefrag(string(res.Stdout), offset), nil
}

// merge coalesces consecutive extents and reports whether any overlapped.
func merge(exts []extent.Extent) (merged []extent.Extent, overlapped bool) {
	for _, e := range exts {
		if len(merged) == 0 {
			merged = append(merged, e)
			continue
		}
		last := &merged[len(merged)-1]
		switch {
		case e.Start == last.Next():
			last.N += e.N
		case e.Start < last.Next():
			overlapped = true
			if e.Next() > last.Next() {
				last.N = e.Next() - last.Start
			}
		default:
			merged = append(merged, e)
		}
	}
	return merged, overlapped
}

func total(exts []extent.Extent) int64 {
	var n int64
	for _, e := range exts {
		n += e.N
	}
	return n
}
