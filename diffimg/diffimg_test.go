package diffimg

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/proc/proctest"
)

func writeSysfs(t *testing.T, root, name, start, size string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	attrs := map[string]string{"size": size}
	if start != "" {
		attrs["start"] = start
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCommon(t *testing.T) {
	d := &Differ{}
	dev := []blockdev.Partition{
		{Path: "/dev/sdb1", Start: 2048, Size: 100},
		{Path: "/dev/sdb2", Start: 4096, Size: 100},
		{Path: "/dev/sdb5", Start: 8192, Size: 100},
	}
	img := []blockdev.Partition{
		{Path: "/dev/loop0p1", Start: 2048, Size: 100},
		{Path: "/dev/loop0p2", Start: 4096, Size: 99},
		{Path: "/dev/loop0p6", Start: 8192, Size: 100},
	}
	got := d.Common(dev, img)
	want := []Pair{
		{Device: "/dev/sdb1", Image: "/dev/loop0p1", Start: 2048, Size: 100},
		{Device: "/dev/sdb5", Image: "/dev/loop0p6", Start: 8192, Size: 100},
	}
	if !slices.Equal(got, want) {
		t.Errorf("Common() = %+v, want %+v", got, want)
	}
	if d.Common(nil, img) != nil {
		t.Error("Common() without device partitions returned pairs")
	}
}

func TestPartNumber(t *testing.T) {
	tests := map[string]string{
		"/dev/sdb3":      "3",
		"/dev/loop0p12":  "12",
		"/dev/nvme0n1p2": "2",
		"/dev/sdb":       "",
	}
	for in, want := range tests {
		if got := partNumber(in); got != want {
			t.Errorf("partNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiffer_Diff(t *testing.T) {
	sysfs := t.TempDir()
	writeSysfs(t, sysfs, "sdz", "", "100000")
	writeSysfs(t, sysfs, "sdz1", "2048", "1000")
	writeSysfs(t, sysfs, "sdz2", "4096", "500")
	writeSysfs(t, sysfs, "sdz3", "8192", "500")
	writeSysfs(t, sysfs, "loop7", "", "100000")
	writeSysfs(t, sysfs, "loop7p1", "2048", "1000")
	writeSysfs(t, sysfs, "loop7p2", "4096", "600")
	writeSysfs(t, sysfs, "loop7p3", "8192", "500")

	run := &proctest.Runner{Responses: map[string]proctest.Response{
		"losetup --find":                  {Stdout: "/dev/loop7\n"},
		"blkid -o value -s TYPE /dev/sdz": {Stdout: "ext4\n"},
		"mount -o ro,noexec /dev/sdz3":    {ExitCode: 32},
		"diff -rqN":                       {ExitCode: 1},
	}}
	d := &Differ{
		Devices: blockdev.NewManager(run, nil, blockdev.WithSysfs(sysfs, "/dev"), blockdev.WithRetry(0, 0)),
		Scratch: t.TempDir(),
	}

	got, err := d.Diff(t.Context(), "/dev/sdz", "/img/disk.img")
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(results) = %d, want 2: %+v", len(got), got)
	}
	if !got[0].Differs || got[0].Error != "" || got[0].FSType != "ext4" {
		t.Errorf("results[0] = %+v, want differing ext4 pair", got[0])
	}
	if got[1].Device != "/dev/sdz3" || got[1].Error == "" {
		t.Errorf("results[1] = %+v, want mount failure recorded", got[1])
	}
	if n := run.Count("losetup --detach /dev/loop7"); n != 1 {
		t.Errorf("detach calls = %d, want 1", n)
	}
	if n := run.Count("blockdev --rereadpt /dev/sdz"); n != 1 {
		t.Errorf("device rereadpt calls = %d, want 1", n)
	}
}
