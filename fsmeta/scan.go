package fsmeta

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/ptable"
)

// Scanner runs the per-partition metadata tools.
type Scanner struct {
	Registry *proc.Registry
	Devices  *blockdev.Manager
	// Scratch is the directory that receives temporary mount points.
	Scratch string
	Logger  *log.Logger
	// Interactive connects the tools to the terminal to show progress.
	Interactive bool
}

// ScanOptions selects scanning or repairing.
type ScanOptions struct {
	// Mode ReadOnly scans and walks; ReadWrite repairs.
	Mode blockdev.Mode
	// PartInfo from the clone stage. Partitions whose metadata was cloned
	// are skipped when scanning.
	PartInfo []PartInfo
}

// Job returns a job that runs the scan or repair tool on every
// filesystem entry of entries, addressed inside source. Read-only scans
// also walk each filesystem so every inode is read.
func (s *Scanner) Job(source string, entries []ptable.Entry, opts ScanOptions) *proc.Sequence {
	seq := proc.NewSequence(s.Registry)
	var loop *blockdev.Loop
	seq.Defer(func(ctx context.Context) error {
		if loop == nil {
			return nil
		}
		return loop.Release(ctx)
	})

	for _, e := range entries {
		if e.Role.Container() {
			continue
		}
		seq.Add(proc.Step{
			Name: "partition " + e.NumberString(),
			Run: func(ctx context.Context) error {
				l, err := s.Devices.AttachLoop(ctx, source, opts.Mode, &blockdev.Region{Start: e.Start, Size: e.Size})
				if err != nil {
					return err
				}
				loop = l
				cmd, err := s.command(ctx, l.Path, e, opts)
				if err != nil {
					return err
				}
				var next []proc.Step
				if cmd != nil {
					next = append(next, s.runStep(cmd, e))
					if opts.Mode == blockdev.ReadOnly {
						next = append(next, s.walkStep(l.Path, e))
					}
				}
				next = append(next, proc.Step{Name: "release", Run: func(ctx context.Context) error {
					l := loop
					loop = nil
					return l.Release(ctx)
				}})
				seq.Insert(next...)
				return nil
			},
		})
	}
	return seq
}

// command picks the tool for the partition on dev, or nil to skip it.
func (s *Scanner) command(ctx context.Context, dev string, e ptable.Entry, opts ScanOptions) ([]string, error) {
	probed, err := BlkidType(ctx, s.Devices.Runner(), dev)
	if err != nil {
		return nil, err
	}
	if probed == "" {
		probed = IDToFSType[e.ID]
	}
	fsys, ok := Lookup(probed)
	if !ok {
		s.Logger.Warn("partition not supported", map[string]any{"number": e.NumberString(), "type": probed})
		return nil, nil
	}

	var cmd []string
	if opts.Mode == blockdev.ReadWrite {
		cmd = fsys.FixCmd(dev)
	} else {
		if pi, ok := Find(opts.PartInfo, e.Start, e.Size); ok {
			if err := CheckType(pi, probed); err != nil {
				return nil, err
			}
			if pi.MetaCloned {
				s.Logger.Info("skipping cloned partition", map[string]any{"number": e.NumberString()})
				return nil, nil
			}
		}
		cmd = fsys.ScanCmd(dev)
	}
	if cmd == nil {
		s.Logger.Warn("partition not supported", map[string]any{"number": e.NumberString(), "type": probed})
		return nil, nil
	}
	s.Logger.Info("scanning partition", map[string]any{
		"number": e.NumberString(),
		"type":   probed,
		"argv":   strings.Join(cmd, " "),
	})
	return cmd, nil
}

func (s *Scanner) runStep(cmd []string, e ptable.Entry) proc.Step {
	return proc.Step{
		Name: cmd[0],
		Start: func(context.Context) (proc.ID, error) {
			return s.Registry.Start(cmd, proc.Options{Interactive: s.Interactive})
		},
		Exited: func(_ context.Context, st proc.Status) error {
			if !st.Success() {
				s.Logger.Warn("detected errors on partition", map[string]any{
					"number":    e.NumberString(),
					"start":     e.Start,
					"exit_code": st.ExitCode,
				})
			}
			return nil
		},
	}
}

func (s *Scanner) walkStep(dev string, e ptable.Entry) proc.Step {
	return proc.Step{
		Name: "walk",
		Run: func(ctx context.Context) error {
			err := s.Devices.WithMount(ctx, dev, s.Scratch, blockdev.ReadOnly, func(root string) error {
				n, err := Walk(ctx, root)
				s.Logger.Debug("walked filesystem", map[string]any{"number": e.NumberString(), "paths": n})
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				// The metadata scan already ran; an unmountable filesystem
				// only loses the inode walk.
				s.Logger.Warn("failed to walk filesystem", map[string]any{"number": e.NumberString(), "error": err.Error()})
				return nil
			}
			return err
		},
	}
}

// Walk reads the inode of every path under root and returns how many it
// visited. Unreadable entries are skipped.
func Walk(ctx context.Context, root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if _, err := os.Lstat(path); err == nil {
			n++
		}
		return nil
	})
	return n, err
}
