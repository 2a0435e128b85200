package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/btrace"
	"github.com/pithecene-io/usedrescue/diffimg"
	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/fsmeta"
	"github.com/pithecene-io/usedrescue/getused"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/metrics"
	"github.com/pithecene-io/usedrescue/policy"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
	sm "github.com/pithecene-io/usedrescue/statemachine"
	"github.com/pithecene-io/usedrescue/types"
)

// edgeSectors is how much of each end of the device is always imaged
// with the metadata.
const edgeSectors = 2048

// Config configures a single recovery run.
type Config struct {
	// Device is the source block device. It is never written.
	Device string
	// Image is the image filename inside Dest.
	Image string
	// Dest is the destination directory for the image and its logs.
	Dest string
	// UnaccountedLimit is the number of sectors outside every partition
	// tolerated before the table is considered incomplete.
	UnaccountedLimit int64
	// Method selects how used space is mapped.
	Method getused.Method
	// Diff compares device and image filesystems after imaging.
	Diff bool
	// Stats prints trace statistics when the trace closes.
	Stats bool
	// KeepLogs copies phase logs instead of moving them and keeps the
	// xfer log, the backup trail and the manual session log at exit.
	KeepLogs bool
	// NoShow disables the rescue map viewer.
	NoShow bool
	// Interval is the scheduling cycle delay.
	// Default: statemachine.DefaultInterval.
	Interval time.Duration
	// FlushPolicy selects when the trace log is rewritten: "strict" or
	// "interval".
	FlushPolicy string
	// FlushInterval is the interval policy period.
	FlushInterval time.Duration
	// Args is the invocation recorded in rescue log headers.
	Args []string
	// RunMeta is the run identity.
	RunMeta *types.RunMeta

	// Tools runs the external collaborators. Required.
	Tools Tools
	// Operator answers the manual recovery questions. Required.
	Operator Operator
	// Logger may be nil.
	Logger *log.Logger
	// Collector is the metrics collector for this run.
	// If nil, no metrics are recorded (all Collector methods are nil-safe).
	Collector *metrics.Collector
	// Journal records transitions and results. May be nil.
	Journal *journal.Writer
	// Out receives trace statistics. Defaults to io.Discard.
	Out io.Writer
	// Now overrides the clock of backup trail records.
	Now func() time.Time
}

// Recovery is the context shared by every state, transition and task of
// a run. Only the scheduler goroutine touches it, except for the handles
// guarded by mu which cleanup may reach from a signal path.
type Recovery struct {
	cfg      *Config
	ctx      context.Context
	tools    Tools
	operator Operator
	logger   *log.Logger
	metrics  *metrics.Collector
	journal  *journal.Writer
	out      io.Writer
	now      func() time.Time

	paths   rescuelog.Paths
	devSize int64
	flush   policy.Policy

	partInfo []fsmeta.PartInfo
	table    *ptable.Table
	tableSrc string
	parser   *btrace.Parser
	polls    int
	manual   bool
	repeat   bool
	resumed  bool
	// ownsXfer is set once the xfer log is known to belong to this tool.
	ownsXfer bool
	diffs    []diffimg.Result
	mapped   int64
	err      error
	// jobFailed is set when the last job finished with its tool reporting
	// failure. Cleared by startJob.
	jobFailed bool

	// machine is the scheduler stepping this run, once built.
	machine *sm.Machine[*Recovery]

	mu     sync.Mutex
	job    proc.Job
	trace  Tracer
	viewer Viewer

	cleanupOnce sync.Once
	cleanupErr  error
}

func (r *Recovery) setJob(j proc.Job) {
	r.mu.Lock()
	r.job = j
	r.mu.Unlock()
}

func (r *Recovery) currentJob() proc.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *Recovery) setTrace(t Tracer) {
	r.mu.Lock()
	r.trace = t
	r.mu.Unlock()
}

func (r *Recovery) tracer() Tracer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace
}

func (r *Recovery) currentViewer() Viewer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewer
}

// fail records err for the watchdog task. Guards cannot return errors.
func (r *Recovery) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// jobDone polls the active job once. A failed job stops the run.
func (r *Recovery) jobDone() bool {
	j := r.currentJob()
	if j == nil {
		return true
	}
	running, err := j.Poll(r.ctx)
	if err != nil {
		r.fail(err)
		return false
	}
	if running {
		return false
	}
	if rep, ok := j.(proc.Reporter); ok && !rep.OK() {
		r.jobFailed = true
	}
	r.setJob(nil)
	return true
}

// jobFailedDone reports whether the active job finished with its tool
// exiting in failure.
func (r *Recovery) jobFailedDone() bool {
	return r.jobDone() && r.jobFailed
}

func (r *Recovery) startJob(j proc.Job) {
	r.metrics.IncProcessStarted()
	r.jobFailed = false
	r.setJob(j)
}

// toolFailed ends the run after tool exited with failure. A failure
// caused by the run being interrupted is reported as the interrupt.
func (r *Recovery) toolFailed(tool string) error {
	if err := r.ctx.Err(); err != nil {
		return types.NewRecoveryError(types.ErrInterrupted, tool, err)
	}
	return types.NewRecoveryError(types.ErrExternalTool, tool, errors.New("exited with failure"))
}

// --- State entries ---

func (r *Recovery) cloneMeta() error {
	infos, err := r.tools.CloneMeta(r.ctx, r.cfg.Device, r.paths.Image, r.devSize)
	if err != nil {
		return err
	}
	r.partInfo = infos
	clones := make([]journal.Clone, 0, len(infos))
	for _, pi := range infos {
		clones = append(clones, journal.Clone{
			Path: pi.Path, Start: pi.Start, Size: pi.Size, FSType: pi.FSType,
			Attempted: pi.Attempted, MetaCloned: pi.MetaCloned, DataCloned: pi.DataCloned,
		})
	}
	r.record(journal.Record{Type: journal.TypeClone, Clone: clones})
	return nil
}

func (r *Recovery) startTrace() error {
	r.parser = btrace.NewParser(extent.NewSet(), r.logger)
	t, err := r.tools.StartTrace(r.ctx, r.cfg.Device, r.parser)
	if err != nil {
		return err
	}
	r.metrics.IncProcessStarted()
	r.setTrace(t)
	r.polls = 0
	return nil
}

func (r *Recovery) markStartEnd() error {
	if err := r.parser.AddExtent(0, min(edgeSectors, r.devSize)); err != nil {
		return err
	}
	if err := r.parser.AddExtent(max(0, r.devSize-edgeSectors), min(edgeSectors, r.devSize)); err != nil {
		return err
	}
	r.flush.Mark()
	return nil
}

func (r *Recovery) readTable(target string) error {
	text, err := r.tools.ListTable(r.ctx, target)
	if err != nil {
		return err
	}
	tbl, err := ptable.New(ptable.Options{
		DevSize:          r.devSize,
		UnaccountedLimit: r.cfg.UnaccountedLimit,
		Logger:           r.logger,
	})
	if err != nil {
		return err
	}
	tbl.Ingest(text)
	r.table = tbl
	r.metrics.IncTableRead()
	r.logTable(target)
	return nil
}

func (r *Recovery) logTable(source string) {
	r.tableSrc = source
	r.logger.Info("partition table read", map[string]any{
		"source":      source,
		"entries":     r.table.Len(),
		"flags":       fmt.Sprintf("%07b", r.table.Flags()),
		"unaccounted": r.table.Unaccounted(),
	})
	r.record(journal.Record{Type: journal.TypeTable, Table: journal.TableOf(source, r.table)})
}

func (r *Recovery) startManual(target string) error {
	j, err := r.tools.ManualTable(target)
	if err != nil {
		return err
	}
	r.metrics.IncManualSession()
	r.startJob(j)
	return nil
}

func (r *Recovery) readManualLog() error {
	text, err := r.tools.ReadTableLog(r.cfg.KeepLogs)
	if err != nil {
		return err
	}
	r.table.Ingest(text)
	r.metrics.IncTableRead()
	r.logTable("manual")
	return nil
}

// manualFailed records a TestDisk session that exited with failure. An
// interrupted run stops here.
func (r *Recovery) manualFailed() error {
	if err := r.ctx.Err(); err != nil {
		return types.NewRecoveryError(types.ErrInterrupted, "testdisk", err)
	}
	r.logger.Warn("manual testdisk session failed", map[string]any{"table_source": r.tableSrc})
	return nil
}

func (r *Recovery) retryManual() error {
	r.table.Clear()
	return r.tools.RemoveTableLog()
}

func (r *Recovery) findMeta() error {
	r.startJob(r.tools.Scan(r.cfg.Device, r.table.Entries(), fsmeta.ScanOptions{
		Mode:     blockdev.ReadOnly,
		PartInfo: r.partInfo,
	}))
	return nil
}

func (r *Recovery) stopTrace() error {
	t := r.tracer()
	if t == nil {
		return nil
	}
	return t.Stop()
}

func (r *Recovery) traceExited() bool {
	t := r.tracer()
	return t == nil || t.Exited()
}

func (r *Recovery) outputTraceStats() error {
	return r.parser.Stats().Format(r.out)
}

func (r *Recovery) rescue() error {
	r.startJob(r.tools.Rescue(r.cfg.Device, r.paths.Image, r.paths.Xfer))
	return nil
}

func (r *Recovery) fixImage() error {
	r.startJob(r.tools.Scan(r.paths.Image, r.table.Entries(), fsmeta.ScanOptions{
		Mode:     blockdev.ReadWrite,
		PartInfo: r.partInfo,
	}))
	return nil
}

func (r *Recovery) mapExtents() error {
	set := extent.NewSet()
	if err := r.tools.MapUsed(r.ctx, r.paths.Image, r.cfg.Method, set, r.partInfo); err != nil {
		return err
	}
	if err := rescuelog.Write(r.paths.Used, set, rescuelog.DataSpec(r.cfg.Args, r.devSize)); err != nil {
		return err
	}
	r.metrics.IncLogFlush()
	r.mapped = set.Sectors()
	r.metrics.SetMappedSectors(r.mapped)
	if err := iox.RemoveIfExists(r.paths.Xfer); err != nil {
		return err
	}
	return rescuelog.Handoff(r.paths.Used, r.paths.Xfer, r.cfg.KeepLogs)
}

func (r *Recovery) diff() error {
	results, err := r.tools.Diff(r.ctx, r.cfg.Device, r.paths.Image)
	if err != nil {
		return err
	}
	r.diffs = results
	for _, res := range results {
		switch {
		case res.Error != "":
			r.logger.Error("filesystem comparison failed", map[string]any{"device": res.Device, "error": res.Error})
		case res.Differs:
			r.logger.Warn("image filesystem differs from device", map[string]any{"device": res.Device, "image": res.Image})
		default:
			r.logger.Info("image filesystem matches device", map[string]any{"device": res.Device})
		}
	}
	return nil
}

// --- Transition actions ---

func (r *Recovery) backup(tag ptable.Tag) error {
	path := filepath.Join(r.cfg.Dest, ptable.BackupFile)
	if err := r.table.WriteBackup(path, tag, r.cfg.Device, r.now()); err != nil {
		return err
	}
	r.metrics.IncBackupRecord()
	return nil
}

// finishTrace drains what the trace rendered before exiting, writes the
// final metadata log and hands it to ddrescue.
func (r *Recovery) finishTrace() error {
	t := r.tracer()
	r.setTrace(nil)
	if err := r.drainTrace(r.ctx, t); err != nil {
		return err
	}
	r.metrics.SetMetaSectors(r.parser.Set().Sectors())
	return rescuelog.Handoff(r.paths.Btrace, r.paths.Xfer, r.cfg.KeepLogs)
}

// drainTrace parses what t rendered since the last poll and writes the
// metadata log through the flush policy, whether or not anything is new.
// t may be nil.
func (r *Recovery) drainTrace(ctx context.Context, t Tracer) error {
	r.flush.Mark()
	if t != nil {
		n := t.Poll()
		r.metrics.AddTraceLines(n)
		if err := r.flush.Record(ctx, n); err != nil {
			r.logger.Warn("trace log write failed, retrying", map[string]any{"error": err.Error()})
		}
	}
	return r.flush.Flush(ctx)
}

// --- Tasks ---

// pollTrace drains the live trace into the metadata extent set.
func (r *Recovery) pollTrace() error {
	t := r.tracer()
	if t == nil {
		return nil
	}
	n := t.Poll()
	r.polls++
	r.metrics.AddTraceLines(n)
	return r.flush.Record(r.ctx, n)
}

// watchdog ends the run with the first failure recorded by a guard.
func (r *Recovery) watchdog() error {
	return r.err
}

// writeTraceLog rewrites the metadata log, mirroring it onto the xfer
// log while the viewer shows it.
func (r *Recovery) writeTraceLog() error {
	if err := rescuelog.Write(r.paths.Btrace, r.parser.Set(), rescuelog.MetaSpec(r.cfg.Args, r.devSize)); err != nil {
		return err
	}
	r.metrics.IncLogFlush()
	if v := r.currentViewer(); v != nil && v.Running() {
		return iox.CopyFile(r.paths.Btrace, r.paths.Xfer)
	}
	return nil
}

func (r *Recovery) record(rec journal.Record) {
	if err := r.journal.Write(rec); err != nil {
		r.logger.Warn("failed to write journal record", map[string]any{"type": string(rec.Type), "error": err.Error()})
	}
}
