package clone

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/fsmeta"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/proc/proctest"
	"github.com/pithecene-io/usedrescue/types"
)

func TestCreateImage(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing image is truncated", func(t *testing.T) {
		run := &proctest.Runner{}
		img := filepath.Join(dir, "new.img")
		if err := CreateImage(t.Context(), run, img, 100); err != nil {
			t.Fatalf("CreateImage() error = %v", err)
		}
		want := []string{"truncate -s 51200 " + img}
		if got := run.Lines(); !slices.Equal(got, want) {
			t.Errorf("commands = %q, want %q", got, want)
		}
	})

	t.Run("right size is kept", func(t *testing.T) {
		run := &proctest.Runner{}
		img := filepath.Join(dir, "ok.img")
		if err := os.WriteFile(img, make([]byte, 1024), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := CreateImage(t.Context(), run, img, 2); err != nil {
			t.Fatalf("CreateImage() error = %v", err)
		}
		if len(run.Lines()) != 0 {
			t.Errorf("commands = %q, want none", run.Lines())
		}
	})

	t.Run("empty image is replaced", func(t *testing.T) {
		run := &proctest.Runner{}
		img := filepath.Join(dir, "empty.img")
		if err := os.WriteFile(img, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := CreateImage(t.Context(), run, img, 2); err != nil {
			t.Fatalf("CreateImage() error = %v", err)
		}
		if _, err := os.Stat(img); !os.IsNotExist(err) {
			t.Errorf("empty image not removed: %v", err)
		}
		if run.Count("truncate -s 1024") != 1 {
			t.Errorf("commands = %q", run.Lines())
		}
	})

	t.Run("wrong size is rejected", func(t *testing.T) {
		img := filepath.Join(dir, "bad.img")
		if err := os.WriteFile(img, make([]byte, 10), 0o644); err != nil {
			t.Fatal(err)
		}
		err := CreateImage(t.Context(), &proctest.Runner{}, img, 2)
		if !errors.Is(err, types.ErrValidation) {
			t.Errorf("CreateImage() error = %v, want ErrValidation", err)
		}
	})
}

func setupSysfs(t *testing.T) string {
	t.Helper()
	sysfs := t.TempDir()
	parts := map[string][2]string{
		"sdq1": {"2048", "4096"},
		"sdq2": {"8192", "4096"},
		"sdq3": {"16384", "4096"},
		"sdq4": {"24576", "4096"},
	}
	for name, v := range parts {
		dir := filepath.Join(sysfs, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "start"), []byte(v[0]), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "size"), []byte(v[1]), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return sysfs
}

func TestCloner_CloneMeta(t *testing.T) {
	loops := 0
	run := &proctest.Runner{Handler: func(c proc.Cmd) (proctest.Response, bool) {
		line := strings.Join(c.Argv, " ")
		switch {
		case line == "losetup --find":
			loops++
			return proctest.Response{Stdout: "/dev/loop" + string(rune('0'+loops))}, true
		case line == "blkid -o value -s TYPE /dev/sdq1":
			return proctest.Response{Stdout: "ext4"}, true
		case line == "blkid -o value -s TYPE /dev/sdq2":
			return proctest.Response{Stdout: "vfat"}, true
		case line == "blkid -o value -s TYPE /dev/sdq3":
			return proctest.Response{Stdout: "btrfs"}, true
		case line == "blkid -o value -s TYPE /dev/sdq4":
			return proctest.Response{Stdout: "xfs"}, true
		case strings.HasPrefix(line, "xfs_copy"):
			return proctest.Response{ExitCode: 1}, true
		}
		return proctest.Response{}, false
	}}
	img := filepath.Join(t.TempDir(), "sdq.img")
	c := &Cloner{
		Devices: blockdev.NewManager(run, nil, blockdev.WithSysfs(setupSysfs(t), "/dev")),
		Scratch: t.TempDir(),
	}
	infos, err := c.CloneMeta(t.Context(), "/dev/sdq", img, 32768)
	if err != nil {
		t.Fatalf("CloneMeta() error = %v", err)
	}
	want := []fsmeta.PartInfo{
		{Path: "/dev/sdq1", Start: 2048, Size: 4096, FSType: "ext4", Attempted: true, MetaCloned: true, DataCloned: true},
		{Path: "/dev/sdq2", Start: 8192, Size: 4096, FSType: "vfat"},
		{Path: "/dev/sdq3", Start: 16384, Size: 4096, FSType: "btrfs", Attempted: true, MetaCloned: true},
		{Path: "/dev/sdq4", Start: 24576, Size: 4096, FSType: "xfs", Attempted: true},
	}
	if !slices.Equal(infos, want) {
		t.Errorf("CloneMeta() =\n%+v\nwant\n%+v", infos, want)
	}
	if run.Count("e2image -arp /dev/sdq1 /dev/loop1") != 1 {
		t.Errorf("ext4 clone missing: %q", run.Lines())
	}
	if run.Count("btrfs-image -t4 -w /dev/sdq3 ") != 1 || run.Count("btrfs-image -t4 -r ") != 1 {
		t.Errorf("btrfs two-stage clone missing: %q", run.Lines())
	}
	if got := run.Count("losetup --detach"); got != 3 {
		t.Errorf("detach calls = %d, want 3", got)
	}
	entries, err := os.ReadDir(c.Scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch not cleaned: %v", entries)
	}
}

func TestIsCloneable(t *testing.T) {
	if !IsCloneable("ntfs") || IsCloneable("vfat") || IsCloneable("") {
		t.Error("IsCloneable() mismatch")
	}
}
