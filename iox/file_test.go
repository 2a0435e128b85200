package iox

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "new")
		return err
	})
	if err != nil {
		t.Fatalf("WriteFileAtomic error: %v", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "new" {
		t.Errorf("content = %q, want %q", got, "new")
	}
}

func TestWriteFileAtomic_ErrorLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "old" {
		t.Errorf("content = %q, want original", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, temp file not cleaned up", len(entries))
	}
}

func TestCopyOrMove(t *testing.T) {
	tests := []struct {
		name      string
		keep      bool
		srcRemain bool
	}{
		{"keep copies", true, true},
		{"move renames", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "a.btrace.log")
			dst := filepath.Join(dir, "a.xfer.log")
			if err := os.WriteFile(src, []byte("log"), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := CopyOrMove(src, dst, tt.keep); err != nil {
				t.Fatalf("CopyOrMove error: %v", err)
			}
			if got, _ := os.ReadFile(dst); string(got) != "log" {
				t.Errorf("dst content = %q, want %q", got, "log")
			}
			_, err := os.Stat(src)
			if exists := err == nil; exists != tt.srcRemain {
				t.Errorf("src exists = %v, want %v", exists, tt.srcRemain)
			}
		})
	}
}

func TestNonEmptyAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	if NonEmpty(path) {
		t.Error("NonEmpty(missing) = true")
	}
	if err := Touch(path); err != nil {
		t.Fatal(err)
	}
	if NonEmpty(path) {
		t.Error("NonEmpty(empty file) = true")
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !NonEmpty(path) {
		t.Error("NonEmpty(file) = false")
	}
	if err := RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists error: %v", err)
	}
	if err := RemoveIfExists(path); err != nil {
		t.Errorf("RemoveIfExists(missing) error: %v", err)
	}
}
