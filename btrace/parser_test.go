package btrace

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/types"
)

const sampleTrace = `  7,0    0        1     0.000000000 30641  Q   R 12583104 + 8 [testdisk]
  7,0    0        2     0.000001000 30641  G   R 12583104 + 8 [testdisk]
  7,0    0        3     0.000002000 30641  P   N [testdisk]
  7,0    0        4     0.000003000 30641  I   R 12583104 + 8 [testdisk]
  7,0    0        5     0.000004000 30641  D   R 12583104 + 8 [testdisk]
  7,0    0        6     0.000100000     0  C   R 12583104 + 8 [0]
  7,0    0        7     0.000200000 30642  Q  WS 2048 + 16 [e2fsck]
  7,0    0        8     0.000300000     0  C  WS 2048 + 16 [-5]
  7,0    0        9     0.000400000 30643  Q  FWFS 2064 + 8 [kworker/0:1H]
  7,0    0       10     0.000500000 30643  D   R 8 (12 34) [blkid]
  7,0    0       11     0.000600000 30643  U   N [blkid] 1
`

func TestParser_ParseAll(t *testing.T) {
	p := NewParser(nil, nil)
	n, err := p.ParseAll(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	if n != 11 {
		t.Errorf("lines = %d, want 11", n)
	}

	want := []extent.Extent{{Start: 2048, N: 24}, {Start: 12583104, N: 8}}
	if got := p.Set().Extents(); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}

	st := p.Stats()
	checks := []struct {
		name      string
		got, want uint64
	}{
		{"Lines", st.Lines, 11},
		{"Malformed", st.Malformed, 0},
		{"Queue", st.Actions.Queue, 3},
		{"Complete", st.Actions.Complete, 2},
		{"Issue", st.Actions.Issue, 2},
		{"Plug", st.Actions.Plug, 1},
		{"Unplug", st.Actions.Unplug, 1},
		{"Read", st.RWBS.Read, 6},
		{"Write", st.RWBS.Write, 3},
		{"Sync", st.RWBS.Sync, 3},
		{"Flush", st.RWBS.Flush, 1},
		{"FUA", st.RWBS.FUA, 1},
		{"None", st.RWBS.None, 2},
		{"ReadSectors", st.ReadSectors, 40},
		{"WriteSectors", st.WriteSectors, 40},
		{"Payloads", st.Payloads, 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if st.Commands["testdisk"] != 4 {
		t.Errorf("Commands[testdisk] = %d, want 4", st.Commands["testdisk"])
	}
	if st.Commands["kworker/0:1H"] != 1 {
		t.Errorf("Commands[kworker/0:1H] = %d, want 1", st.Commands["kworker/0:1H"])
	}
	if st.Errors["-5"] != 1 || len(st.Errors) != 1 {
		t.Errorf("Errors = %v, want map[-5:1]", st.Errors)
	}
}

func TestParser_MalformedLine(t *testing.T) {
	p := NewParser(nil, nil)
	err := p.ParseLine("7,0 0 1")
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("ParseLine() error = %v, want ErrValidation", err)
	}
	if st := p.Stats(); st.Malformed != 1 || st.Lines != 1 {
		t.Errorf("Malformed = %d, Lines = %d, want 1, 1", st.Malformed, st.Lines)
	}
	if p.Set().Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Set().Len())
	}
}

func TestParser_StatsSnapshot(t *testing.T) {
	p := NewParser(nil, nil)
	if err := p.ParseLine("8,0 0 1 0.1 1 Q R 0 + 8 [dd]"); err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	snap := p.Stats()
	snap.Commands["dd"] = 99
	if got := p.Stats().Commands["dd"]; got != 1 {
		t.Errorf("Commands[dd] = %d after mutating snapshot, want 1", got)
	}
}

func TestParser_AddExtent(t *testing.T) {
	set := extent.NewSet()
	p := NewParser(set, nil)
	if err := p.AddExtent(0, 2048); err != nil {
		t.Fatalf("AddExtent() error = %v", err)
	}
	if err := p.ParseLine("8,0 0 1 0.1 1 Q R 2048 + 8 [dd]"); err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	want := []extent.Extent{{Start: 0, N: 2056}}
	if got := set.Extents(); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}
}

func TestRemainder(t *testing.T) {
	tests := []struct {
		line string
		n    int
		want string
	}{
		{"a b c d", 2, "c d"},
		{"  a\tb  [x y]", 2, "[x y]"},
		{"a b", 2, ""},
		{"a", 3, ""},
	}
	for _, tt := range tests {
		if got := remainder(tt.line, tt.n); got != tt.want {
			t.Errorf("remainder(%q, %d) = %q, want %q", tt.line, tt.n, got, tt.want)
		}
	}
}

func TestStats_Format(t *testing.T) {
	p := NewParser(nil, nil)
	if _, err := p.ParseAll(strings.NewReader(sampleTrace)); err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	var b strings.Builder
	if err := p.Stats().Format(&b); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	out := b.String()
	for _, want := range []string{"lines          11\n", "commands:\n", "  testdisk     4\n", "errors:\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q in:\n%s", want, out)
		}
	}
}
