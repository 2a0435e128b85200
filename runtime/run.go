// Package runtime drives a recovery run: it wires the collaborators into
// the recovery state graph, resumes interrupted runs, polls the device
// trace in the background and guarantees cleanup before returning.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/pithecene-io/usedrescue/btrace"
	"github.com/pithecene-io/usedrescue/ddrescue"
	"github.com/pithecene-io/usedrescue/diffimg"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/metrics"
	"github.com/pithecene-io/usedrescue/policy"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
	sm "github.com/pithecene-io/usedrescue/statemachine"
	"github.com/pithecene-io/usedrescue/types"
)

// Result is what a run produced.
type Result struct {
	// RunMeta is the run identity.
	RunMeta *types.RunMeta
	// Outcome is the run outcome.
	Outcome *types.RecoveryOutcome
	// Duration is the total run duration.
	Duration time.Duration
	// Paths are the run's log files.
	Paths rescuelog.Paths
	// DevSize is the device size in sectors.
	DevSize int64
	// Table is the last partition table read. Nil when none was read.
	Table *journal.Table
	// TraceStats is set when the metadata trace ran.
	TraceStats *btrace.Stats
	// MetaSectors is the size of the traced metadata extent set.
	MetaSectors int64
	// MappedSectors is the size of the used-space extent set.
	MappedSectors int64
	// Diffs holds the verification results when diffing was requested.
	Diffs []diffimg.Result
	// PolicyStats is the trace log flush policy statistics.
	PolicyStats policy.Stats
	// Metrics is the collector snapshot at the end of the run.
	Metrics metrics.Snapshot
}

// NewRunMeta returns run metadata with a fresh run id.
func NewRunMeta(device, image, dest string) *types.RunMeta {
	return &types.RunMeta{RunID: uuid.NewString(), Device: device, Image: image, Dest: dest}
}

// NewRecovery validates cfg and prepares a run.
func NewRecovery(cfg *Config) (*Recovery, error) {
	switch {
	case cfg.Device == "":
		return nil, types.Validationf("runtime", "device is required")
	case cfg.Image == "":
		return nil, types.Validationf("runtime", "image name is required")
	case filepath.Base(cfg.Image) != cfg.Image:
		return nil, types.Validationf("runtime", "image %q must be a file name inside the destination", cfg.Image)
	case cfg.Dest == "":
		return nil, types.Validationf("runtime", "destination directory is required")
	case cfg.Tools == nil:
		return nil, types.Validationf("runtime", "tools are required")
	case cfg.Operator == nil:
		return nil, types.Validationf("runtime", "operator is required")
	case cfg.UnaccountedLimit < 0:
		return nil, types.Validationf("runtime", "unaccounted limit must not be negative, got %d", cfg.UnaccountedLimit)
	}
	if cfg.RunMeta == nil {
		cfg.RunMeta = NewRunMeta(cfg.Device, cfg.Image, cfg.Dest)
	}

	r := &Recovery{
		cfg:      cfg,
		ctx:      context.Background(),
		tools:    cfg.Tools,
		operator: cfg.Operator,
		logger:   cfg.Logger,
		metrics:  cfg.Collector,
		journal:  cfg.Journal,
		out:      cfg.Out,
		now:      cfg.Now,
		paths:    rescuelog.PathsFor(cfg.Dest, cfg.Image),
	}
	if r.out == nil {
		r.out = io.Discard
	}
	if r.now == nil {
		r.now = time.Now
	}

	flush, err := policy.New(cfg.FlushPolicy, policy.SinkFunc(func(context.Context) error {
		return r.writeTraceLog()
	}), cfg.FlushInterval)
	if err != nil {
		return nil, types.NewRecoveryError(types.ErrValidation, "flush policy", err)
	}
	r.flush = flush
	return r, nil
}

// Paths returns the log paths of the run.
func (r *Recovery) Paths() rescuelog.Paths { return r.paths }

// Execute runs the recovery end-to-end and always returns a result whose
// outcome classifies any failure.
//
// Execution flow:
//  1. Size the device and detect a resumable run
//  2. Start the rescue map viewer
//  3. Step the state graph with the trace poller and watchdog tasks
//  4. Clean up, even on failure or cancellation
//  5. Classify the outcome
func (r *Recovery) Execute(ctx context.Context) *Result {
	start := time.Now()
	r.ctx = ctx
	r.metrics.IncRunStarted()

	r.logger.Info("starting recovery", map[string]any{
		"dest":   r.cfg.Dest,
		"method": r.cfg.Method.String(),
	})

	// Interrupt external tools as soon as the run is cancelled, even while
	// an entry action blocks the scheduler.
	stop := context.AfterFunc(ctx, func() {
		if err := r.tools.Interrupt(); err != nil {
			r.logger.Warn("failed to interrupt external tools", map[string]any{"error": err.Error()})
		}
	})
	defer stop()

	final, runErr := r.runRecovered(ctx)
	if err := r.Cleanup(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("cleanup failed", map[string]any{"error": err.Error()})
		if runErr == nil {
			runErr = err
		}
	}

	outcome := Classify(runErr)
	outcome.FinalState = final
	outcome.Resumed = r.resumed
	r.record(journal.Record{Type: journal.TypeRunEnd, Outcome: outcome})
	return r.buildResult(outcome, time.Since(start))
}

// runRecovered runs the graph and turns a panic in an action, guard or
// task into a failure, so cleanup still stops the external tools.
func (r *Recovery) runRecovered(ctx context.Context) (final string, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if r.machine != nil {
			final = r.machine.Current()
		}
		r.logger.Error("recovery panicked", map[string]any{
			"state": final,
			"panic": fmt.Sprint(p),
			"stack": string(debug.Stack()),
		})
		err = fmt.Errorf("panic in state %q: %v", final, p)
	}()
	return r.run(ctx)
}

func (r *Recovery) run(ctx context.Context) (string, error) {
	size, err := r.tools.DeviceSize(r.cfg.Device)
	if err != nil {
		return "", err
	}
	if size <= 0 {
		return "", types.Validationf("runtime", "device %s reports no sectors", r.cfg.Device)
	}
	r.devSize = size

	if err := ddrescue.EnsureLog(r.paths.Xfer); err != nil {
		return "", err
	}
	stage, err := rescuelog.Detect(r.paths)
	if err != nil {
		return "", types.NewRecoveryError(types.ErrNotResumable, "resume",
			errors.New("the xfer log has no phase log; run ddrescue on it directly or remove it"))
	}
	r.ownsXfer = true
	if stage != rescuelog.StageNone {
		r.resumed = true
		r.metrics.IncRunResumed()
		r.logger.Info("resuming interrupted run", map[string]any{"stage": stage.String()})
	}

	if !r.cfg.NoShow {
		v, err := r.tools.StartViewer(r.paths.Xfer)
		if err != nil {
			r.logger.Warn("rescue map viewer unavailable", map[string]any{"error": err.Error()})
		} else {
			r.mu.Lock()
			r.viewer = v
			r.mu.Unlock()
		}
	}

	g, err := BuildGraph()
	if err != nil {
		return "", err
	}
	startState := StartState(stage)
	r.record(journal.Record{Type: journal.TypeRunStart, Meta: r.cfg.RunMeta, Start: startState})

	opts := []sm.Option{
		sm.WithLogger(r.logger),
		sm.WithStart(startState),
		sm.WithTransitionHook(r.onTransition),
	}
	if r.cfg.Interval > 0 {
		opts = append(opts, sm.WithInterval(r.cfg.Interval))
	}
	m, err := sm.New(g, r, opts...)
	if err != nil {
		return "", err
	}
	r.machine = m
	m.AddTask("trace", (*Recovery).pollTrace)
	m.AddTask("watchdog", (*Recovery).watchdog)

	r.metrics.IncStateEntered()
	err = m.Run(ctx)
	return m.Current(), err
}

func (r *Recovery) onTransition(info sm.TransitionInfo) {
	r.metrics.IncTransition()
	if info.To != "" {
		r.metrics.IncStateEntered()
	}
	r.record(journal.Record{Type: journal.TypeTransition, From: info.From, To: info.To, Cycle: info.Cycle})
}

// Cleanup stops the external tools, saves the metadata log of a trace
// still running, then removes the run's temporary files unless logs are
// kept. An xfer log this tool refused to resume is never removed. Only
// the first call does any work.
//
// Order: active job (imaging or scan), viewer, trace, xfer log, backup
// trail.
func (r *Recovery) Cleanup(ctx context.Context) error {
	r.cleanupOnce.Do(func() {
		r.cleanupErr = r.cleanup(ctx)
	})
	return r.cleanupErr
}

func (r *Recovery) cleanup(ctx context.Context) error {
	r.mu.Lock()
	job, viewer, trace := r.job, r.viewer, r.trace
	r.job, r.viewer, r.trace = nil, nil, nil
	r.mu.Unlock()

	var errs error
	if job != nil {
		errs = multierr.Append(errs, job.Close(ctx))
	}
	if viewer != nil {
		errs = multierr.Append(errs, viewer.Stop(ctx))
	}
	if trace != nil {
		errs = multierr.Append(errs, trace.Stop())
		errs = multierr.Append(errs, r.drainTrace(ctx, trace))
	}
	if !r.cfg.KeepLogs {
		if r.ownsXfer {
			errs = multierr.Append(errs, iox.RemoveIfExists(r.paths.Xfer))
		}
		errs = multierr.Append(errs, iox.RemoveIfExists(filepath.Join(r.cfg.Dest, ptable.BackupFile)))
	}
	return errs
}

// buildResult constructs the final run result.
func (r *Recovery) buildResult(outcome *types.RecoveryOutcome, d time.Duration) *Result {
	result := &Result{
		RunMeta:       r.cfg.RunMeta,
		Outcome:       outcome,
		Duration:      d,
		Paths:         r.paths,
		DevSize:       r.devSize,
		MappedSectors: r.mapped,
		Diffs:         r.diffs,
		PolicyStats:   r.flush.Stats(),
	}
	if r.table != nil {
		result.Table = journal.TableOf(r.tableSrc, r.table)
	}
	if r.parser != nil {
		stats := r.parser.Stats()
		result.TraceStats = &stats
		result.MetaSectors = r.parser.Set().Sectors()
	}

	switch outcome.Status {
	case types.OutcomeCompleted:
		r.metrics.IncRunCompleted()
	case types.OutcomeInterrupted:
		r.metrics.IncRunInterrupted()
	default:
		r.metrics.IncRunFailed()
	}
	if outcome.Status == types.OutcomeToolFailure {
		r.metrics.IncToolFailure()
	}
	result.Metrics = r.metrics.Snapshot()

	r.logger.Info("recovery finished", map[string]any{
		"status":      string(outcome.Status),
		"final_state": outcome.FinalState,
		"duration":    d.String(),
	})
	return result
}
