package blockdev

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/proc/proctest"
	"github.com/pithecene-io/usedrescue/types"
)

func writeSysfs(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestManager_SizeFromSysfs(t *testing.T) {
	sysfs := t.TempDir()
	writeSysfs(t, sysfs, "sdz", map[string]string{"size": "15633408"})
	m := NewManager(&proctest.Runner{}, nil, WithSysfs(sysfs, "/dev"))

	got, err := m.Size("/dev/sdz")
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if got != 15633408 {
		t.Errorf("Size() = %d, want 15633408", got)
	}
}

func TestManager_SizeMissing(t *testing.T) {
	m := NewManager(&proctest.Runner{}, nil, WithSysfs(t.TempDir(), "/dev"))
	if _, err := m.Size(filepath.Join(t.TempDir(), "nodev")); err == nil {
		t.Error("Size() of missing device succeeded")
	}
}

func TestManager_Partitions(t *testing.T) {
	sysfs := t.TempDir()
	writeSysfs(t, sysfs, "loop1", map[string]string{"size": "100000"})
	writeSysfs(t, sysfs, "loop1p2", map[string]string{"start": "40960", "size": "2048"})
	writeSysfs(t, sysfs, "loop1p1", map[string]string{"start": "2048", "size": "38912"})
	// loop10 is a sibling device, not a partition: it has no start.
	writeSysfs(t, sysfs, "loop10", map[string]string{"size": "8"})
	m := NewManager(&proctest.Runner{}, nil, WithSysfs(sysfs, "/dev"))

	got, err := m.Partitions("/dev/loop1")
	if err != nil {
		t.Fatalf("Partitions() error = %v", err)
	}
	want := []Partition{
		{Path: "/dev/loop1p1", Start: 2048, Size: 38912},
		{Path: "/dev/loop1p2", Start: 40960, Size: 2048},
	}
	if !slices.Equal(got, want) {
		t.Errorf("Partitions() = %+v, want %+v", got, want)
	}
}

func TestManager_RereadPTRetries(t *testing.T) {
	calls := 0
	run := &proctest.Runner{Handler: func(c proc.Cmd) (proctest.Response, bool) {
		calls++
		if calls < 3 {
			return proctest.Response{ExitCode: 1, Stderr: "Device or resource busy"}, true
		}
		return proctest.Response{}, true
	}}
	m := NewManager(run, nil, WithRetry(3, 0))
	if err := m.RereadPT(t.Context(), "/dev/loop0"); err != nil {
		t.Fatalf("RereadPT() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestManager_RereadPTContention(t *testing.T) {
	run := &proctest.Runner{Responses: map[string]proctest.Response{
		"blockdev --rereadpt": {ExitCode: 1},
	}}
	m := NewManager(run, nil, WithRetry(3, 0))
	err := m.RereadPT(t.Context(), "/dev/loop0")
	if !errors.Is(err, types.ErrResourceContention) {
		t.Fatalf("RereadPT() error = %v, want ErrResourceContention", err)
	}
	if n := run.Count("blockdev --rereadpt"); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
}

func TestManager_RetryStopsOnCancel(t *testing.T) {
	run := &proctest.Runner{Responses: map[string]proctest.Response{
		"blockdev --rereadpt": {ExitCode: 1},
	}}
	m := NewManager(run, nil, WithRetry(3, DefaultBackoff))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := m.RereadPT(ctx, "/dev/loop0"); !errors.Is(err, types.ErrInterrupted) {
		t.Errorf("RereadPT() error = %v, want ErrInterrupted", err)
	}
}

func TestManager_AttachLoopRegion(t *testing.T) {
	run := &proctest.Runner{Responses: map[string]proctest.Response{
		"losetup --find": {Stdout: "/dev/loop7\n"},
	}}
	m := NewManager(run, nil)

	err := m.WithLoop(t.Context(), "/dev/sdz", ReadOnly, &Region{Start: 2048, Size: 100}, func(l *Loop) error {
		if l.Path != "/dev/loop7" {
			t.Errorf("Path = %q, want /dev/loop7", l.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLoop() error = %v", err)
	}
	want := []string{
		"losetup --find",
		"blockdev --flushbufs /dev/loop7",
		"losetup --offset 1048576 --sizelimit 51200 --read-only /dev/loop7 /dev/sdz",
		"losetup --detach /dev/loop7",
	}
	if got := run.Lines(); !slices.Equal(got, want) {
		t.Errorf("commands =\n%q\nwant\n%q", got, want)
	}
}

func TestManager_AttachLoopWholeRereads(t *testing.T) {
	run := &proctest.Runner{Responses: map[string]proctest.Response{
		"losetup --find": {Stdout: "/dev/loop3"},
	}}
	m := NewManager(run, nil)
	l, err := m.AttachLoop(t.Context(), "/img/disk.img", ReadWrite, nil)
	if err != nil {
		t.Fatalf("AttachLoop() error = %v", err)
	}
	if err := l.Release(t.Context()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(t.Context()); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if n := run.Count("blockdev --rereadpt /dev/loop3"); n != 2 {
		t.Errorf("rereadpt calls = %d, want 2", n)
	}
	if n := run.Count("losetup --detach"); n != 1 {
		t.Errorf("detach calls = %d, want 1", n)
	}
	if n := run.Count("losetup /dev/loop3 /img/disk.img"); n != 1 {
		t.Errorf("read-write attach calls = %d, want 1", n)
	}
}

func TestManager_WithMountReleasesOnError(t *testing.T) {
	run := &proctest.Runner{}
	m := NewManager(run, nil)
	parent := t.TempDir()
	boom := errors.New("boom")

	var mnt string
	err := m.WithMount(t.Context(), "/dev/loop7p1", parent, ReadOnly, func(path string) error {
		mnt = path
		if _, err := os.Stat(path); err != nil {
			t.Errorf("mount point missing: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithMount() error = %v, want boom", err)
	}
	if _, err := os.Stat(mnt); !os.IsNotExist(err) {
		t.Errorf("mount point %s still exists", mnt)
	}
	want := []string{
		"mount -o ro,noexec /dev/loop7p1 " + mnt,
		"umount " + mnt,
	}
	if got := run.Lines(); !slices.Equal(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestManager_MountFailureRemovesDir(t *testing.T) {
	run := &proctest.Runner{Responses: map[string]proctest.Response{"mount": {ExitCode: 32}}}
	m := NewManager(run, nil)
	parent := t.TempDir()
	if _, err := m.MountDevice(t.Context(), "/dev/x", parent, ReadWrite); !errors.Is(err, types.ErrExternalTool) {
		t.Fatalf("MountDevice() error = %v, want ErrExternalTool", err)
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("parent has %d entries, want 0", len(entries))
	}
}

func TestManager_UnmountBusy(t *testing.T) {
	run := &proctest.Runner{Responses: map[string]proctest.Response{"umount": {ExitCode: 32}}}
	m := NewManager(run, nil, WithRetry(2, 0))
	mt, err := m.MountDevice(t.Context(), "/dev/x", t.TempDir(), ReadOnly)
	if err != nil {
		t.Fatalf("MountDevice() error = %v", err)
	}
	if err := mt.Release(t.Context()); !errors.Is(err, types.ErrResourceContention) {
		t.Errorf("Release() error = %v, want ErrResourceContention", err)
	}
	if n := run.Count("umount"); n != 3 {
		t.Errorf("umount attempts = %d, want 3", n)
	}
}

func TestFreeSectors(t *testing.T) {
	n, err := FreeSectors(t.TempDir())
	if err != nil {
		t.Fatalf("FreeSectors() error = %v", err)
	}
	if n < 0 {
		t.Errorf("FreeSectors() = %d, want >= 0", n)
	}
}

func TestMode_String(t *testing.T) {
	if ReadOnly.String() != "ro" || ReadWrite.String() != "rw" {
		t.Errorf("Mode strings = %q, %q", ReadOnly, ReadWrite)
	}
}
