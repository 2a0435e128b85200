// Package blockdev acquires and releases block-device resources.
//
// Loop attachments and mounts are handed out as values with a Release
// method; WithLoop and WithMount guarantee release on every path. Device
// busy conditions are retried a few times before they surface as
// types.ErrResourceContention.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// Defaults for the busy-device retry.
const (
	DefaultRetries = 3
	DefaultBackoff = 100 * time.Millisecond
)

// Mode selects read-only or read-write access.
type Mode int

// Access modes.
const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Partition is a kernel-detected partition of a block device.
type Partition struct {
	Path  string
	Start int64
	Size  int64
}

// Manager runs the device tools.
type Manager struct {
	run     proc.Runner
	logger  *log.Logger
	sysfs   string
	devDir  string
	retries int
	backoff time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithSysfs overrides /sys/class/block and /dev, for tests.
func WithSysfs(sysfs, devDir string) Option {
	return func(m *Manager) {
		m.sysfs = sysfs
		m.devDir = devDir
	}
}

// WithRetry overrides the busy-device retry count and backoff.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.retries = retries
		m.backoff = backoff
	}
}

// NewManager creates a Manager running tools through run.
func NewManager(run proc.Runner, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		run:     run,
		logger:  logger,
		sysfs:   "/sys/class/block",
		devDir:  "/dev",
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Runner returns the manager's command runner.
func (m *Manager) Runner() proc.Runner { return m.run }

// Size returns the size of a block device in sectors. It reads sysfs and
// falls back to the BLKGETSIZE64 ioctl for paths sysfs does not know.
func (m *Manager) Size(path string) (int64, error) {
	if n, err := m.readSysfsInt(filepath.Base(path), "size"); err == nil {
		return n, nil
	}
	return ioctlSize(path)
}

func (m *Manager) readSysfsInt(name, attr string) (int64, error) {
	b, err := os.ReadFile(filepath.Join(m.sysfs, name, attr))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s/%s: %w", name, attr, err)
	}
	return n, nil
}

// Partitions lists the partitions the kernel detected on dev, ordered by
// start sector.
func (m *Manager) Partitions(dev string) ([]Partition, error) {
	base := filepath.Base(dev)
	entries, err := os.ReadDir(m.sysfs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.sysfs, err)
	}
	var parts []Partition
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, base) {
			continue
		}
		start, err := m.readSysfsInt(name, "start")
		if err != nil {
			// Not a partition of dev, e.g. loop1 next to loop10.
			continue
		}
		size, err := m.readSysfsInt(name, "size")
		if err != nil {
			return nil, err
		}
		parts = append(parts, Partition{Path: filepath.Join(m.devDir, name), Start: start, Size: size})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })
	return parts, nil
}

// FlushBuffers asks the kernel to drop cached blocks of dev.
func (m *Manager) FlushBuffers(ctx context.Context, dev string) error {
	_, err := proc.Run(ctx, m.run, "blockdev", "--flushbufs", dev)
	return err
}

// RereadPT makes the kernel re-read the partition table of dev.
func (m *Manager) RereadPT(ctx context.Context, dev string) error {
	return m.retry(ctx, "rereadpt", func() error {
		_, err := proc.Run(ctx, m.run, "blockdev", "--rereadpt", dev)
		return err
	})
}

// retry runs fn until it succeeds or the retries are exhausted. Only tool
// failures are retried; the last one is reported as resource contention.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			m.logger.Debug("device busy, retrying", map[string]any{
				"op":      op,
				"attempt": attempt,
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return types.NewRecoveryError(types.ErrInterrupted, op, ctx.Err())
			case <-time.After(m.backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrExternalTool) {
			return err
		}
	}
	return types.NewRecoveryError(types.ErrResourceContention, op, err)
}
