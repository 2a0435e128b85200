package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/usedrescue/cli/render"
	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
)

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestFormatFlag_AliasDoesNotShadowFree(t *testing.T) {
	seen := make(map[string]string)
	for _, f := range append(runFlags(), TUIFlag) {
		for _, name := range f.Names() {
			if prev, ok := seen[name]; ok {
				t.Errorf("flag name %q used by both %s and %s", name, prev, f.Names()[0])
			}
			seen[name] = f.Names()[0]
		}
	}
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if isTerminal(f) {
		t.Error("isTerminal(regular file) = true, want false")
	}
}

// --- deps ---

func TestCheckDeps(t *testing.T) {
	progs := []program{
		{"ddrescue", "imaging", true},
		{"testdisk", "partition table", true},
		{"ddrescueview", "viewer", false},
	}
	lookPath := func(name string) (string, error) {
		if name == "ddrescue" {
			return "/usr/bin/ddrescue", nil
		}
		return "", errors.New("not found")
	}

	deps := checkDeps(progs, lookPath)
	if len(deps) != 3 {
		t.Fatalf("len(deps) = %d, want 3", len(deps))
	}
	if !deps[0].Found || deps[0].Path != "/usr/bin/ddrescue" {
		t.Errorf("deps[0] = %+v, want found at /usr/bin/ddrescue", deps[0])
	}
	if got := missingRequired(deps); !slices.Equal(got, []string{"testdisk"}) {
		t.Errorf("missingRequired = %v, want [testdisk]", got)
	}
}

func TestPrograms_IncludesFilesystemTools(t *testing.T) {
	names := make(map[string]int)
	for _, p := range programs() {
		names[p.name]++
	}
	for _, want := range []string{"ddrescue", "blktrace", "e2image", "ntfsclone", "xfs_metadump", "btrfs-image", "fsck.fat"} {
		if names[want] == 0 {
			t.Errorf("programs() missing %s", want)
		}
	}
	for name, n := range names {
		if n > 1 {
			t.Errorf("programs() lists %s %d times", name, n)
		}
	}
}

// --- inspect ---

func TestNewResumeReport(t *testing.T) {
	args := []string{"usedrescue", "/dev/sdb", "sdb.img", "/tmp"}
	set := extent.NewSet()
	if err := set.Add(0, 2048); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		setup     func(t *testing.T, p rescuelog.Paths)
		stage     string
		resumable bool
		reason    bool
	}{
		{"fresh", func(*testing.T, rescuelog.Paths) {}, "none", false, false},
		{"data", func(t *testing.T, p rescuelog.Paths) {
			writeFile(t, p.Xfer, "x")
			if err := rescuelog.Write(p.Used, set, rescuelog.DataSpec(args, 10000)); err != nil {
				t.Fatal(err)
			}
		}, "data", true, false},
		{"no marker", func(t *testing.T, p rescuelog.Paths) {
			writeFile(t, p.Xfer, "x")
		}, "none", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := rescuelog.PathsFor(t.TempDir(), "sdb.img")
			tt.setup(t, p)
			rep := newResumeReport(p)
			if rep.Stage != tt.stage || rep.Resumable != tt.resumable || (rep.Reason != "") != tt.reason {
				t.Errorf("report = %+v, want stage %s resumable %v reason %v", rep, tt.stage, tt.resumable, tt.reason)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadJournal_TruncatedTailKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdb.img"+journal.Suffix)
	jw, err := journal.Open(path, "run-001")
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range []journal.Record{
		{Type: journal.TypeRunStart, Start: "GetPartInfo"},
		{Type: journal.TypeTransition, From: "GetPartInfo", To: "TestPTable", Cycle: 1},
	} {
		if err := jw.Write(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := jw.Close(); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	records, err := readJournal(path)
	if err != nil {
		t.Fatalf("readJournal: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[1].To != "TestPTable" || records[1].RunID != "run-001" {
		t.Errorf("records[1] = %+v", records[1])
	}
}

func TestReadBackups_AcceptsDestDirectory(t *testing.T) {
	dest := t.TempDir()
	tbl, err := ptable.New(ptable.Options{DevSize: 204800, UnaccountedLimit: 4096})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Ingest(" 1 * HPFS - NTFS              2048     104447     102400\n")
	if err := tbl.WriteBackup(filepath.Join(dest, ptable.BackupFile), ptable.TagAutoGood, "/dev/sdb", time.Unix(1700000000, 0)); err != nil {
		t.Fatal(err)
	}

	backups, err := readBackups(dest)
	if err != nil {
		t.Fatalf("readBackups: %v", err)
	}
	if len(backups) != 1 || backups[0].Tag != ptable.TagAutoGood || len(backups[0].Rows) != 1 {
		t.Errorf("backups = %+v", backups)
	}

	if _, err := readBackups(filepath.Join(dest, "missing")); err == nil {
		t.Error("readBackups(missing) should fail")
	}
}

func TestNewLogReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdb.img.xfer.log")
	writeFile(t, path, `# Mapfile. Created by GNU ddrescue version 1.27
# current_pos  current_status  current_pass
0x00100000     +               1
#      pos        size  status
0x00000000  0x00100000  +
0x00100000  0x00300000  ?
`)
	l, err := readRescueLog(path)
	if err != nil {
		t.Fatalf("readRescueLog: %v", err)
	}
	rep := newLogReport(l)
	if rep.End != 0x400000 || rep.Records != 2 {
		t.Errorf("End/Records = %#x/%d, want 0x400000/2", rep.End, rep.Records)
	}
	if rep.Totals["finished"] != 0x100000 || rep.Totals["non-tried"] != 0x300000 {
		t.Errorf("Totals = %v", rep.Totals)
	}
}

// --- stats and ptable ---

const sampleDump = `  8,16   0        1     0.000000000 30641  Q   R 2048 + 8 [testdisk]
  8,16   0        2     0.000100000     0  C   R 2048 + 8 [0]
  8,16   0        3     0.000200000 30642  Q  WS 4096 + 16 [e2fsck]
`

func TestTrace(t *testing.T) {
	rep, err := trace(strings.NewReader(sampleDump))
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if rep.Lines != 3 {
		t.Errorf("Lines = %d, want 3", rep.Lines)
	}
	if rep.Extents != 2 || rep.Sectors != 24 {
		t.Errorf("Extents/Sectors = %d/%d, want 2/24", rep.Extents, rep.Sectors)
	}
	if rep.Stats.Commands["e2fsck"] != 1 {
		t.Errorf("Commands = %v", rep.Stats.Commands)
	}

	var buf bytes.Buffer
	if err := render.NewRendererWithWriter(render.FormatTable, true, &buf).Render(rep); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "3 lines, 2 extents, 24 sectors") {
		t.Errorf("table output = %q", buf.String())
	}
}

func TestNormalizeTable(t *testing.T) {
	dump := `TestDisk 7.1, Data Recovery Utility
interface_write()
 1 * HPFS - NTFS              2048     104447     102400 [System]
 2 P Linux                  104448     204799     100352 [root]
`
	tbl, err := normalizeTable(dump, 204800, 4096)
	if err != nil {
		t.Fatalf("normalizeTable: %v", err)
	}
	if tbl.Len() != 2 || !tbl.Healthy() {
		t.Errorf("table = %d entries healthy=%v reasons=%v", tbl.Len(), tbl.Healthy(), tbl.Reasons())
	}

	if _, err := normalizeTable(dump, 0, 0); err == nil {
		t.Error("normalizeTable without a device size should fail")
	}
}
