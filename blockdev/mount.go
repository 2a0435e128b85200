package blockdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/pithecene-io/usedrescue/proc"
)

var errNoFreeLoop = errors.New("no free loop device")

// Mount is a mounted filesystem at a caller-unique mount point.
type Mount struct {
	Path   string
	Device string

	m        *Manager
	released bool
}

// MountDevice mounts dev on a fresh directory under parent. Read-only
// mounts are also noexec.
func (m *Manager) MountDevice(ctx context.Context, dev, parent string, mode Mode) (*Mount, error) {
	dir := filepath.Join(parent, "mnt."+uuid.NewString()[:8])
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}
	opts := "ro,noexec"
	if mode == ReadWrite {
		opts = "rw"
	}
	if _, err := proc.Run(ctx, m.run, "mount", "-o", opts, dev, dir); err != nil {
		return nil, multierr.Append(err, os.Remove(dir))
	}
	m.logger.Debug("mounted", map[string]any{"device": dev, "path": dir, "mode": mode.String()})
	return &Mount{Path: dir, Device: dev, m: m}, nil
}

// Release unmounts, retrying while the filesystem is busy, and removes
// the mount point. Calling it again is a no-op.
func (mt *Mount) Release(ctx context.Context) error {
	if mt.released {
		return nil
	}
	err := mt.m.retry(ctx, "umount", func() error {
		_, err := proc.Run(ctx, mt.m.run, "umount", mt.Path)
		return err
	})
	if err != nil {
		return err
	}
	mt.released = true
	if err := os.Remove(mt.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove mount point: %w", err)
	}
	return nil
}

// WithMount mounts dev for the duration of fn.
func (m *Manager) WithMount(ctx context.Context, dev, parent string, mode Mode, fn func(path string) error) (err error) {
	mt, err := m.MountDevice(ctx, dev, parent, mode)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, mt.Release(context.WithoutCancel(ctx)))
	}()
	return fn(mt.Path)
}
