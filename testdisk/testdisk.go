// Package testdisk drives TestDisk: partition table dumps, manual
// recovery sessions and the operator prompts around them.
package testdisk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
)

// LogFile is the log TestDisk writes in its working directory.
const LogFile = "testdisk.log"

// logMarker precedes the partition table TestDisk wrote last.
const logMarker = "interface_write()"

// LogPath returns the TestDisk log path inside dest.
func LogPath(dest string) string {
	return filepath.Join(dest, LogFile)
}

// RemoveLog deletes the TestDisk log in dest if present.
func RemoveLog(dest string) error {
	return iox.RemoveIfExists(LogPath(dest))
}

// List returns the partition table dump of target.
func List(ctx context.Context, run proc.Runner, target string) (string, error) {
	res, err := proc.Run(ctx, run, "testdisk", "/list", target)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// ReadLog returns the partition table dump from the TestDisk log in dest.
// When the log records a write, only the text after the last write is
// returned. The log is removed afterwards unless keep is set.
func ReadLog(dest string, keep bool) (string, error) {
	b, err := os.ReadFile(LogPath(dest))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read testdisk log: %w", err)
	}
	if !keep {
		if err := RemoveLog(dest); err != nil {
			return "", err
		}
	}
	return LastWrite(string(b)), nil
}

// LastWrite returns the text after the last interface_write() marker, or
// text itself when nothing follows a marker.
func LastWrite(text string) string {
	i := strings.LastIndex(text, logMarker)
	if i < 0 {
		return text
	}
	if tail := text[i+len(logMarker):]; tail != "" {
		return tail
	}
	return text
}

// Manual starts an interactive TestDisk session on target with dest as
// its working directory, so the session log lands in dest. Any previous
// log is removed first. A failing exit does not fail the job; the job's
// OK reports it.
func Manual(reg *proc.Registry, dest, target string, logger *log.Logger) (*proc.Checked, error) {
	if err := RemoveLog(dest); err != nil {
		return nil, err
	}
	argv := []string{"testdisk", "/log", target}
	return proc.Check(reg, argv, proc.Options{Dir: dest, Interactive: true}, func(st proc.Status) {
		if !st.Success() {
			logger.Warn("testdisk exited with failure", map[string]any{"target": target, "exit_code": st.ExitCode})
		}
	}), nil
}
