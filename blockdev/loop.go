package blockdev

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// Region limits a loop attachment to part of its source, in sectors.
type Region struct {
	Start int64
	Size  int64
}

// Loop is an attached loop device. It stays valid until Release.
type Loop struct {
	Path   string
	Source string
	Region *Region

	m        *Manager
	released bool
}

// AttachLoop attaches source, or the region of it, to a free loop device.
// Whole-source attachments have their partition table read so that
// Partitions can list the sub-devices.
func (m *Manager) AttachLoop(ctx context.Context, source string, mode Mode, region *Region) (*Loop, error) {
	res, err := proc.Run(ctx, m.run, "losetup", "--find")
	if err != nil {
		return nil, err
	}
	loop := strings.TrimSpace(string(res.Stdout))
	if loop == "" {
		return nil, types.NewRecoveryError(types.ErrResourceContention, "losetup", errNoFreeLoop)
	}

	// A reused loop device can still hold cached blocks of its previous
	// source.
	if err := m.FlushBuffers(ctx, loop); err != nil {
		m.logger.Debug("flush before attach failed", map[string]any{"loop": loop, "error": err.Error()})
	}

	argv := []string{"losetup"}
	if region != nil {
		argv = append(argv,
			"--offset", strconv.FormatInt(region.Start*extent.SectorSize, 10),
			"--sizelimit", strconv.FormatInt(region.Size*extent.SectorSize, 10))
	}
	if mode != ReadWrite {
		argv = append(argv, "--read-only")
	}
	argv = append(argv, loop, source)
	if _, err := proc.Run(ctx, m.run, argv...); err != nil {
		return nil, err
	}

	l := &Loop{Path: loop, Source: source, Region: region, m: m}
	if region == nil {
		if err := m.RereadPT(ctx, loop); err != nil {
			return nil, multierr.Append(err, l.Release(ctx))
		}
	}
	m.logger.Debug("loop attached", map[string]any{"loop": loop, "source": source, "mode": mode.String()})
	return l, nil
}

// Release detaches the loop device. Calling it again is a no-op.
func (l *Loop) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	_, err := proc.Run(ctx, l.m.run, "losetup", "--detach", l.Path)
	if err != nil {
		return err
	}
	if l.Region == nil {
		if err := l.m.RereadPT(ctx, l.Path); err != nil {
			l.m.logger.Debug("reread after detach failed", map[string]any{"loop": l.Path, "error": err.Error()})
		}
	}
	return nil
}

// WithLoop attaches a loop device for the duration of fn.
func (m *Manager) WithLoop(ctx context.Context, source string, mode Mode, region *Region, fn func(*Loop) error) (err error) {
	l, err := m.AttachLoop(ctx, source, mode, region)
	if err != nil {
		return err
	}
	defer func() {
		// Detach even when ctx is already cancelled.
		err = multierr.Append(err, l.Release(context.WithoutCancel(ctx)))
	}()
	return fn(l)
}
