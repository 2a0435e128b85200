package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

// DefaultInterval is the delay between scheduling cycles.
const DefaultInterval = 100 * time.Millisecond

// ErrTaskDone is returned by a background task to deregister itself.
var ErrTaskDone = errors.New("task done")

// Task is a background task run once per cycle regardless of state.
type Task[C any] func(C) error

// TransitionInfo describes a fired transition.
type TransitionInfo struct {
	From  string
	To    string
	Event string
	Cycle uint64
}

// Option configures a Machine.
type Option func(*config)

type config struct {
	interval     time.Duration
	logger       *log.Logger
	start        string
	onTransition func(TransitionInfo)
}

// WithInterval sets the delay between cycles.
func WithInterval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// WithLogger sets the logger for state entries.
func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithStart overrides the graph's start state, e.g. to resume a run.
func WithStart(name string) Option {
	return func(c *config) { c.start = name }
}

// WithTransitionHook registers fn to observe every fired transition.
func WithTransitionHook(fn func(TransitionInfo)) Option {
	return func(c *config) { c.onTransition = fn }
}

type task[C any] struct {
	name    string
	fn      Task[C]
	removed bool
}

// Machine drives a Graph against a context value of type C.
//
// Step, Run, AddTask and RemoveTask must be called from the goroutine
// that drives the machine. Post, Current and Done are safe from any
// goroutine.
type Machine[C any] struct {
	graph  *Graph[C]
	ctx    C
	cfg    config
	cycle  uint64
	tasks  []*task[C]
	active bool

	mu      sync.Mutex
	current string
	started bool
	done    bool
	events  map[string]struct{}
}

// New validates g and returns a machine positioned before its start state.
func New[C any](g *Graph[C], ctx C, opts ...Option) (*Machine[C], error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	cfg := config{interval: DefaultInterval, start: g.start}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.interval <= 0 {
		return nil, types.Validationf("statemachine", "interval must be positive, got %s", cfg.interval)
	}
	if !g.Has(cfg.start) {
		return nil, types.Validationf("statemachine", "unknown start state %q", cfg.start)
	}
	return &Machine[C]{
		graph:   g,
		ctx:     ctx,
		cfg:     cfg,
		current: cfg.start,
		events:  make(map[string]struct{}),
	}, nil
}

// Current returns the current state name.
func (m *Machine[C]) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Done reports whether a terminal transition has fired.
func (m *Machine[C]) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Cycles returns the number of completed cycles.
func (m *Machine[C]) Cycles() uint64 { return m.cycle }

// Post queues an event for transitions that wait on it.
func (m *Machine[C]) Post(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event] = struct{}{}
}

// AddTask registers a background task. Tasks run in registration order.
func (m *Machine[C]) AddTask(name string, fn Task[C]) {
	m.tasks = append(m.tasks, &task[C]{name: name, fn: fn})
}

// RemoveTask deregisters the named task. Safe to call from within a task.
func (m *Machine[C]) RemoveTask(name string) {
	for _, t := range m.tasks {
		if t.name == name {
			t.removed = true
		}
	}
	if !m.active {
		m.compactTasks()
	}
}

// HasTask reports whether the named task is registered.
func (m *Machine[C]) HasTask(name string) bool {
	for _, t := range m.tasks {
		if t.name == name && !t.removed {
			return true
		}
	}
	return false
}

// Step runs one scheduling cycle. The first call enters the start state.
func (m *Machine[C]) Step() error {
	if m.Done() {
		return nil
	}
	if !m.started {
		m.started = true
		if err := m.enter(m.Current()); err != nil {
			return err
		}
	}

	if err := m.fire(); err != nil {
		return err
	}
	if err := m.runTasks(); err != nil {
		return err
	}
	m.cycle++
	return nil
}

// Run steps the machine until a terminal transition fires, an error is
// returned or ctx is cancelled. Cancellation yields ErrInterrupted.
func (m *Machine[C]) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.interval)
	defer ticker.Stop()

	for {
		if err := m.Step(); err != nil {
			return err
		}
		if m.Done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.NewRecoveryError(types.ErrInterrupted, "state "+m.Current(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Machine[C]) enter(name string) error {
	s := m.graph.states[name]
	m.cfg.logger.Info("entering state", map[string]any{"state": name})
	if s.Entry == nil {
		return nil
	}
	if err := s.Entry(m.ctx); err != nil {
		return fmt.Errorf("state %q entry: %w", name, err)
	}
	return nil
}

// fire evaluates the current state's transitions and fires the first
// eligible one.
func (m *Machine[C]) fire() error {
	from := m.Current()
	s := m.graph.states[from]
	for _, t := range s.transitions {
		if t.Event != "" && !m.hasEvent(t.Event) {
			continue
		}
		if t.Guard != nil && !t.Guard(m.ctx) {
			continue
		}
		if t.Event != "" {
			m.consume(t.Event)
		}
		if t.Action != nil {
			if err := t.Action(m.ctx); err != nil {
				return fmt.Errorf("transition %q -> %q: %w", from, t.Dest, err)
			}
		}

		m.mu.Lock()
		if t.Dest == "" {
			m.done = true
		} else {
			m.current = t.Dest
		}
		m.mu.Unlock()

		if m.cfg.onTransition != nil {
			m.cfg.onTransition(TransitionInfo{From: from, To: t.Dest, Event: t.Event, Cycle: m.cycle})
		}
		if t.Dest == "" {
			m.cfg.logger.Info("reached terminal state", map[string]any{"state": from})
			return nil
		}
		return m.enter(t.Dest)
	}
	return nil
}

func (m *Machine[C]) runTasks() error {
	m.active = true
	defer func() {
		m.active = false
		m.compactTasks()
	}()

	for i := 0; i < len(m.tasks); i++ {
		t := m.tasks[i]
		if t.removed {
			continue
		}
		err := t.fn(m.ctx)
		switch {
		case errors.Is(err, ErrTaskDone):
			t.removed = true
		case err != nil:
			return fmt.Errorf("task %q: %w", t.name, err)
		}
	}
	return nil
}

func (m *Machine[C]) compactTasks() {
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.removed {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
}

func (m *Machine[C]) hasEvent(e string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[e]
	return ok
}

func (m *Machine[C]) consume(e string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, e)
}
