// Package statemachine is a cooperative, single-threaded state/transition
// engine for long-running multi-stage pipelines.
//
// A Graph is wired once: states with an optional one-shot entry action and
// an ordered list of outgoing transitions. A Machine drives the graph in
// scheduling cycles. Each cycle evaluates the current state's transitions
// in registration order, fires at most one, then runs every background
// task. The only suspension point is the delay between cycles, so entry
// actions and guards must never block; long-running work is started by an
// entry action and polled by guards.
//
// Guards within a state are expected to be mutually exclusive. The engine
// does not check this: the first registered transition whose guard holds
// (and whose event, if any, has been posted) wins.
package statemachine

import (
	"github.com/pithecene-io/usedrescue/types"
)

// Transition is an edge out of a state.
type Transition[C any] struct {
	// Event, when set, must have been posted for the transition to fire.
	// The event is consumed when the transition fires.
	Event string
	// Guard is evaluated once per cycle. Nil means always true.
	Guard func(C) bool
	// Action runs once when the transition fires, before the destination
	// state is entered. May be nil.
	Action func(C) error
	// Dest is the destination state name. Empty marks a terminal transition.
	Dest string
}

// State is a named node of the graph.
type State[C any] struct {
	Name string
	// Entry runs exactly once each time the state is entered. May be nil.
	Entry       func(C) error
	transitions []Transition[C]
}

// Graph is the immutable wiring of a state machine.
type Graph[C any] struct {
	states map[string]*State[C]
	order  []string
	start  string
}

// NewGraph returns an empty graph.
func NewGraph[C any]() *Graph[C] {
	return &Graph[C]{states: make(map[string]*State[C])}
}

// AddState registers a state. The first state added becomes the start
// state unless SetStart is called.
func (g *Graph[C]) AddState(name string, entry func(C) error) error {
	if name == "" {
		return types.Validationf("statemachine", "state name must not be empty")
	}
	if _, ok := g.states[name]; ok {
		return types.Validationf("statemachine", "duplicate state %q", name)
	}
	g.states[name] = &State[C]{Name: name, Entry: entry}
	g.order = append(g.order, name)
	if g.start == "" {
		g.start = name
	}
	return nil
}

// AddTransition appends a transition to state from. Registration order is
// evaluation order.
func (g *Graph[C]) AddTransition(from string, t Transition[C]) error {
	s, ok := g.states[from]
	if !ok {
		return types.Validationf("statemachine", "transition from unknown state %q", from)
	}
	s.transitions = append(s.transitions, t)
	return nil
}

// SetStart selects the start state.
func (g *Graph[C]) SetStart(name string) error {
	if _, ok := g.states[name]; !ok {
		return types.Validationf("statemachine", "unknown start state %q", name)
	}
	g.start = name
	return nil
}

// Start returns the start state name.
func (g *Graph[C]) Start() string { return g.start }

// States returns the state names in registration order.
func (g *Graph[C]) States() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Has reports whether name is a registered state.
func (g *Graph[C]) Has(name string) bool {
	_, ok := g.states[name]
	return ok
}

// Transitions returns the destinations reachable from state name, in
// registration order. Terminal transitions are reported as "".
func (g *Graph[C]) Transitions(name string) []string {
	s, ok := g.states[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.transitions))
	for _, t := range s.transitions {
		out = append(out, t.Dest)
	}
	return out
}

// Validate checks that the graph has a start state, that every destination
// exists and that at least one terminal transition is reachable.
func (g *Graph[C]) Validate() error {
	if g.start == "" {
		return types.Validationf("statemachine", "graph has no states")
	}
	terminal := false
	for _, name := range g.order {
		for i, t := range g.states[name].transitions {
			if t.Dest == "" {
				terminal = true
				continue
			}
			if _, ok := g.states[t.Dest]; !ok {
				return types.Validationf("statemachine", "state %q transition %d: unknown destination %q", name, i, t.Dest)
			}
		}
	}
	if !terminal {
		return types.Validationf("statemachine", "graph has no terminal transition")
	}
	return nil
}
