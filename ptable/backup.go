package ptable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pithecene-io/usedrescue/iox"
)

// BackupFile is the audit trail filename inside the destination directory.
const BackupFile = "backup.log"

// Tag describes why a table was appended to the backup trail.
type Tag string

// Backup trail tags.
const (
	TagAutoBad    Tag = "AutoBad"
	TagAutoGood   Tag = "AutoGood"
	TagRepaired   Tag = "Repaired"
	TagRepairFail Tag = "RepairFail"
)

// Fingerprint is a 32-bit digest of the normalized entries.
func (t *Table) Fingerprint() uint32 {
	var b strings.Builder
	for _, e := range t.entries {
		fmt.Fprintf(&b, "%d|%c|%s|%d|%d|%d|%d|%s\n",
			e.Number, e.Role, e.Type, e.Start, e.End, e.Size, e.ID, e.Label)
	}
	return uint32(xxhash.Sum64String(b.String()))
}

// WriteBackup appends the table to the backup trail at path. The format
// follows testdisk's backup.log so testdisk can load it with [L].
func (t *Table) WriteBackup(path string, tag Tag, device string, now time.Time) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open backup trail: %w", err)
	}
	defer iox.DiscardClose(f)

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "#%d %s:Disk %s - %d MiB / %d sectors - 0x%08x crc\n",
		now.Unix(), tag, device, t.devSize/2048, t.devSize, t.Fingerprint())
	for _, e := range t.entries {
		fmt.Fprintf(w, "%2s : start=%9d, size=%9d, Id=%02X, %c\n",
			e.NumberString(), e.Start, e.Size, e.ID, e.Role)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write backup trail: %w", err)
	}
	return f.Close()
}

// BackupRow is one partition row of a backup record.
type BackupRow struct {
	Number int   `json:"number"`
	Start  int64 `json:"start"`
	Size   int64 `json:"size"`
	ID     int   `json:"id"`
	Role   Role  `json:"role"`
}

// Backup is one record of the backup trail.
type Backup struct {
	Time        time.Time   `json:"time"`
	Tag         Tag         `json:"tag"`
	Device      string      `json:"device"`
	Sectors     int64       `json:"sectors"`
	Fingerprint uint32      `json:"fingerprint"`
	Rows        []BackupRow `json:"rows"`
}

var (
	backupHeader = regexp.MustCompile(`^#(\d+) (\S+):Disk (.+) - (\d+) MiB / (\d+) sectors - 0x([0-9a-f]{8}) crc$`)
	backupRow    = regexp.MustCompile(`^\s*(\S+) : start=\s*(\d+), size=\s*(\d+), Id=([0-9A-F]{2}), (.)$`)
)

// ParseBackup reads every record of a backup trail.
func ParseBackup(r io.Reader) ([]Backup, error) {
	var out []Backup
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := backupHeader.FindStringSubmatch(line); m != nil {
			crc, _ := strconv.ParseUint(m[6], 16, 32)
			out = append(out, Backup{
				Time:        time.Unix(atoi(m[1]), 0).UTC(),
				Tag:         Tag(m[2]),
				Device:      m[3],
				Sectors:     atoi(m[5]),
				Fingerprint: uint32(crc),
			})
			continue
		}
		m := backupRow.FindStringSubmatch(line)
		if m == nil || len(out) == 0 {
			return nil, fmt.Errorf("backup trail line %d: unrecognized %q", lineNo, line)
		}
		row := BackupRow{Number: NoNumber, Start: atoi(m[2]), Size: atoi(m[3])}
		if m[1] != "None" {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("backup trail line %d: bad number %q", lineNo, m[1])
			}
			row.Number = n
		}
		id, _ := strconv.ParseUint(m[4], 16, 8)
		row.ID = int(id)
		if err := row.Role.UnmarshalText([]byte(m[5])); err != nil {
			return nil, fmt.Errorf("backup trail line %d: %w", lineNo, err)
		}
		out[len(out)-1].Rows = append(out[len(out)-1].Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
