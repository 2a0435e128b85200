package ptable

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteBackup(t *testing.T) {
	tbl := newTable(t, 204800, 4096)
	tbl.Ingest(` 1 * HPFS - NTFS              2048     104447     102400
   P Linux                  104448     204799     100352
`)
	path := filepath.Join(t.TempDir(), BackupFile)
	now := time.Unix(1700000000, 0)

	if err := tbl.WriteBackup(path, TagAutoGood, "/dev/sdb", now); err != nil {
		t.Fatalf("WriteBackup error: %v", err)
	}
	if err := tbl.WriteBackup(path, TagRepaired, "/dev/sdb", now.Add(time.Minute)); err != nil {
		t.Fatalf("WriteBackup error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 6 {
		t.Fatalf("backup trail has %d lines, want 6:\n%s", len(lines), raw)
	}
	wantPrefix := "#1700000000 AutoGood:Disk /dev/sdb - 100 MiB / 204800 sectors - 0x"
	if !strings.HasPrefix(lines[0], wantPrefix) || !strings.HasSuffix(lines[0], " crc") {
		t.Errorf("header = %q, want prefix %q", lines[0], wantPrefix)
	}
	if want := " 1 : start=     2048, size=   102400, Id=07, *"; lines[1] != want {
		t.Errorf("row = %q, want %q", lines[1], want)
	}
	if want := "None : start=   104448, size=   100352, Id=83, P"; lines[2] != want {
		t.Errorf("row = %q, want %q", lines[2], want)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := ParseBackup(f)
	if err != nil {
		t.Fatalf("ParseBackup error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	r := records[1]
	if r.Tag != TagRepaired || r.Sectors != 204800 || r.Fingerprint != tbl.Fingerprint() {
		t.Errorf("record = %+v", r)
	}
	if len(r.Rows) != 2 || r.Rows[1].Number != NoNumber || r.Rows[1].ID != 0x83 || r.Rows[1].Role != Primary {
		t.Errorf("rows = %+v", r.Rows)
	}
}

func TestFingerprint_ChangesWithContent(t *testing.T) {
	a := newTable(t, 100000, 0)
	a.Ingest(" 1 P Linux                    2048      49999      47952\n")
	b := newTable(t, 100000, 0)
	b.Ingest(" 1 P Linux                    4096      49999      45904\n")

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different tables share a fingerprint")
	}
	c := newTable(t, 100000, 0)
	c.Ingest(" 1 P Linux                    2048      49999      47952\n")
	if a.Fingerprint() != c.Fingerprint() {
		t.Error("equal tables have different fingerprints")
	}
}

func TestParseBackup_RejectsOrphanRow(t *testing.T) {
	_, err := ParseBackup(strings.NewReader(" 1 : start=     2048, size=   102400, Id=07, *\n"))
	if err == nil {
		t.Error("ParseBackup accepted a row without a header")
	}
}
