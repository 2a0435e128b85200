package runtime

import (
	"context"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/btrace"
	"github.com/pithecene-io/usedrescue/clone"
	"github.com/pithecene-io/usedrescue/ddrescue"
	"github.com/pithecene-io/usedrescue/diffimg"
	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/fsmeta"
	"github.com/pithecene-io/usedrescue/getused"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/testdisk"
)

// Tools abstracts the external collaborators of a run for testing.
type Tools interface {
	// DeviceSize returns the size of device in sectors.
	DeviceSize(device string) (int64, error)
	// CloneMeta clones the metadata of cloneable filesystems onto image.
	CloneMeta(ctx context.Context, device, image string, devSectors int64) ([]fsmeta.PartInfo, error)
	// StartTrace starts tracing device activity into parser.
	StartTrace(ctx context.Context, device string, parser *btrace.Parser) (Tracer, error)
	// ListTable returns the partition dump of target.
	ListTable(ctx context.Context, target string) (string, error)
	// ManualTable starts an interactive partition recovery session on target.
	ManualTable(target string) (proc.Job, error)
	// ReadTableLog returns the last table written by a manual session.
	ReadTableLog(keep bool) (string, error)
	// RemoveTableLog discards the manual session log.
	RemoveTableLog() error
	// Scan starts the filesystem metadata scan or repair job.
	Scan(source string, entries []ptable.Entry, opts fsmeta.ScanOptions) proc.Job
	// Rescue starts an imaging pass driven by the xfer log.
	Rescue(device, image, xfer string) proc.Job
	// StartViewer opens the rescue map viewer on the xfer log.
	StartViewer(xfer string) (Viewer, error)
	// MapUsed adds the used extents of image to set.
	MapUsed(ctx context.Context, image string, method getused.Method, set *extent.Set, infos []fsmeta.PartInfo) error
	// Diff compares the filesystems of device and image.
	Diff(ctx context.Context, device, image string) ([]diffimg.Result, error)
	// Interrupt politely stops every external process. Safe to call from
	// any goroutine.
	Interrupt() error
}

// Tracer is a running device trace.
type Tracer interface {
	Poll() int
	Stop() error
	Exited() bool
}

// Viewer is a running rescue map viewer.
type Viewer interface {
	Running() bool
	Stop(ctx context.Context) error
}

// Operator answers the questions of a run.
type Operator interface {
	Instruct(ctx context.Context) error
	RepairInstruct(ctx context.Context) error
	AskManual(ctx context.Context, reasons []string) (bool, error)
}

var (
	_ Tracer   = (*btrace.Session)(nil)
	_ Viewer   = (*ddrescue.Viewer)(nil)
	_ Operator = (*testdisk.Prompter)(nil)
	_ Tools    = (*Host)(nil)
)

// Host runs the collaborators on the local machine.
type Host struct {
	Registry *proc.Registry
	Devices  *blockdev.Manager
	// Dest is the destination directory: scratch mounts, tool logs.
	Dest   string
	Logger *log.Logger
	// Interactive connects the long-running tools to the terminal.
	Interactive bool
	// Trace overrides the trace pipeline.
	Trace btrace.Options
}

// NewHost creates a Host with a fresh process registry.
func NewHost(devices *blockdev.Manager, dest string, logger *log.Logger) *Host {
	return &Host{
		Registry:    proc.NewRegistry(logger),
		Devices:     devices,
		Dest:        dest,
		Logger:      logger,
		Interactive: true,
	}
}

func (h *Host) DeviceSize(device string) (int64, error) {
	return h.Devices.Size(device)
}

func (h *Host) CloneMeta(ctx context.Context, device, image string, devSectors int64) ([]fsmeta.PartInfo, error) {
	c := &clone.Cloner{Devices: h.Devices, Scratch: h.Dest, Logger: h.Logger, Interactive: h.Interactive}
	return c.CloneMeta(ctx, device, image, devSectors)
}

func (h *Host) StartTrace(ctx context.Context, device string, parser *btrace.Parser) (Tracer, error) {
	s, err := btrace.Start(ctx, h.Registry, h.Devices.Runner(), device, parser, h.Trace, h.Logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (h *Host) ListTable(ctx context.Context, target string) (string, error) {
	return testdisk.List(ctx, h.Devices.Runner(), target)
}

func (h *Host) ManualTable(target string) (proc.Job, error) {
	seq, err := testdisk.Manual(h.Registry, h.Dest, target, h.Logger)
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func (h *Host) ReadTableLog(keep bool) (string, error) {
	return testdisk.ReadLog(h.Dest, keep)
}

func (h *Host) RemoveTableLog() error {
	return testdisk.RemoveLog(h.Dest)
}

func (h *Host) Scan(source string, entries []ptable.Entry, opts fsmeta.ScanOptions) proc.Job {
	s := &fsmeta.Scanner{
		Registry:    h.Registry,
		Devices:     h.Devices,
		Scratch:     h.Dest,
		Logger:      h.Logger,
		Interactive: h.Interactive,
	}
	return s.Job(source, entries, opts)
}

func (h *Host) Rescue(device, image, xfer string) proc.Job {
	return ddrescue.Start(h.Registry, device, image, xfer, h.Logger)
}

func (h *Host) StartViewer(xfer string) (Viewer, error) {
	v, err := ddrescue.StartViewer(h.Registry, xfer)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (h *Host) MapUsed(ctx context.Context, image string, method getused.Method, set *extent.Set, infos []fsmeta.PartInfo) error {
	m := &getused.Mapper{Devices: h.Devices, Set: set, Dest: h.Dest, Logger: h.Logger}
	return m.Map(ctx, image, method, false, infos)
}

func (h *Host) Diff(ctx context.Context, device, image string) ([]diffimg.Result, error) {
	d := &diffimg.Differ{Devices: h.Devices, Scratch: h.Dest, Logger: h.Logger, Interactive: h.Interactive}
	return d.Diff(ctx, device, image)
}

func (h *Host) Interrupt() error {
	return h.Registry.InterruptAll()
}
