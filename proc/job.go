package proc

import (
	"context"
	"slices"

	"go.uber.org/multierr"
)

// Job is a long-running operation advanced by polling. Poll performs at
// most one non-blocking process check and returns running=false once the
// job has finished, successfully or with err.
type Job interface {
	Poll(ctx context.Context) (running bool, err error)
	// Close interrupts any running process and releases resources the
	// job still holds. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Step is one unit of a Sequence.
type Step struct {
	Name string
	// Run performs synchronous work, such as attaching a loop device.
	Run func(ctx context.Context) error
	// Start launches a process to wait on. Either Run or Start is set.
	Start func(ctx context.Context) (ID, error)
	// Exited is called with the status of the process Start launched.
	Exited func(ctx context.Context, st Status) error
}

// Sequence runs Steps in order. Synchronous steps run back to back within
// one Poll; a Start step suspends the sequence until its process exits.
// Steps may append further steps while running.
type Sequence struct {
	reg     *Registry
	steps   []Step
	next    int
	waiting *Step
	id      ID
	defers  []func(context.Context) error
	done    bool
	err     error
}

var _ Job = (*Sequence)(nil)

// NewSequence creates a sequence running processes through reg.
func NewSequence(reg *Registry, steps ...Step) *Sequence {
	return &Sequence{reg: reg, steps: steps}
}

// Add appends steps.
func (s *Sequence) Add(steps ...Step) {
	s.steps = append(s.steps, steps...)
}

// Insert places steps immediately after the step currently running.
func (s *Sequence) Insert(steps ...Step) {
	s.steps = slices.Insert(s.steps, s.next, steps...)
}

// Defer registers fn to run when the sequence finishes or is closed.
// Deferred functions run in reverse registration order.
func (s *Sequence) Defer(fn func(context.Context) error) {
	s.defers = append(s.defers, fn)
}

// Err returns the error the sequence finished with.
func (s *Sequence) Err() error { return s.err }

// Poll implements Job.
func (s *Sequence) Poll(ctx context.Context) (bool, error) {
	if s.done {
		return false, s.err
	}
	if s.waiting != nil {
		st, err := s.reg.Poll(s.id)
		if err != nil {
			return s.finish(ctx, err)
		}
		if st.Running {
			return true, nil
		}
		step := s.waiting
		s.waiting = nil
		_ = s.reg.Release(s.id)
		if step.Exited != nil {
			if err := step.Exited(ctx, st); err != nil {
				return s.finish(ctx, err)
			}
		}
	}
	for s.next < len(s.steps) {
		step := s.steps[s.next]
		s.next++
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, err)
		}
		if step.Start != nil {
			id, err := step.Start(ctx)
			if err != nil {
				return s.finish(ctx, err)
			}
			s.id = id
			s.waiting = &step
			return true, nil
		}
		if step.Run != nil {
			if err := step.Run(ctx); err != nil {
				return s.finish(ctx, err)
			}
		}
	}
	return s.finish(ctx, nil)
}

func (s *Sequence) finish(ctx context.Context, err error) (bool, error) {
	s.done = true
	s.err = multierr.Append(err, s.runDefers(context.WithoutCancel(ctx)))
	return false, s.err
}

func (s *Sequence) runDefers(ctx context.Context) error {
	var errs error
	for _, fn := range slices.Backward(s.defers) {
		errs = multierr.Append(errs, fn(ctx))
	}
	s.defers = nil
	return errs
}

// Close implements Job.
func (s *Sequence) Close(ctx context.Context) error {
	var errs error
	if s.waiting != nil {
		errs = s.reg.Interrupt(s.id)
		if done, err := s.reg.Done(s.id); err == nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		s.waiting = nil
	}
	s.done = true
	return multierr.Append(errs, s.runDefers(ctx))
}

// Process returns a one-step sequence running argv. With a nil onExit a
// non-zero exit fails the sequence with ErrExternalTool; otherwise onExit
// decides.
func Process(reg *Registry, argv []string, opts Options, onExit func(Status) error) *Sequence {
	return NewSequence(reg, Step{
		Name: argv[0],
		Start: func(context.Context) (ID, error) {
			return reg.Start(argv, opts)
		},
		Exited: func(_ context.Context, st Status) error {
			if onExit != nil {
				return onExit(st)
			}
			return ExitError(argv[0], st)
		},
	})
}

// Reporter is a Job whose tool may exit with failure without failing the
// job. OK is valid once Poll has reported the job finished.
type Reporter interface {
	Job
	OK() bool
}

// Checked runs one process and records its exit status instead of
// failing on a non-zero exit, so the caller can branch on OK.
type Checked struct {
	*Sequence
	status Status
	exited bool
}

var _ Reporter = (*Checked)(nil)

// Check returns a Checked job running argv. onExit, if set, observes the
// exit status.
func Check(reg *Registry, argv []string, opts Options, onExit func(Status)) *Checked {
	c := &Checked{}
	c.Sequence = Process(reg, argv, opts, func(st Status) error {
		c.status, c.exited = st, true
		if onExit != nil {
			onExit(st)
		}
		return nil
	})
	return c
}

// OK reports whether the process ran to a clean exit.
func (c *Checked) OK() bool { return c.exited && c.status.Success() }

// ExitStatus returns the status the process exited with.
func (c *Checked) ExitStatus() Status { return c.status }
