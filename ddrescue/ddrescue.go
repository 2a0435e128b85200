// Package ddrescue runs GNU ddrescue and its viewer.
//
// ddrescue reads the device in the order and regions given by its mapfile
// (the xfer log), so the recovery run controls what is copied by writing
// rescue logs onto that file before each pass.
package ddrescue

import (
	"context"

	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
)

// Command returns the imaging command: sparse writes and direct disc
// access, then any extra arguments.
func Command(device, image, xferLog string, extra ...string) []string {
	argv := []string{"ddrescue", "-S", "-d"}
	argv = append(argv, extra...)
	return append(argv, device, image, xferLog)
}

// EnsureLog creates an empty xfer log when none exists.
func EnsureLog(xferLog string) error {
	return iox.Touch(xferLog)
}

// Start launches ddrescue on the terminal. A failing exit is logged and
// reported through the job's OK rather than failing the job.
func Start(reg *proc.Registry, device, image, xferLog string, logger *log.Logger, extra ...string) *proc.Checked {
	argv := Command(device, image, xferLog, extra...)
	return proc.Check(reg, argv, proc.Options{Interactive: true}, func(st proc.Status) {
		if !st.Success() {
			logger.Error("ddrescue failed", map[string]any{"exit_code": st.ExitCode, "signaled": st.Signaled})
		}
	})
}

// Viewer is a running ddrescueview window.
type Viewer struct {
	reg     *proc.Registry
	id      proc.ID
	stopped bool
}

// StartViewer opens ddrescueview on the xfer log with its standard
// streams discarded.
func StartViewer(reg *proc.Registry, xferLog string) (*Viewer, error) {
	id, err := reg.Start([]string{"ddrescueview", xferLog}, proc.Options{})
	if err != nil {
		return nil, err
	}
	return &Viewer{reg: reg, id: id}, nil
}

// Running reports whether the viewer window is still open.
func (v *Viewer) Running() bool {
	return v != nil && v.reg.Running(v.id)
}

// Stop interrupts the viewer and waits for it to close. Safe on nil and
// on a viewer already stopped.
func (v *Viewer) Stop(ctx context.Context) error {
	if v == nil || v.stopped {
		return nil
	}
	v.stopped = true
	if err := v.reg.Interrupt(v.id); err != nil {
		return err
	}
	if done, err := v.reg.Done(v.id); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return v.reg.Release(v.id)
}
