package statemachine

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pithecene-io/usedrescue/types"
)

type testCtx struct {
	entries map[string]int
	trace   []string
	running bool
	polls   int
}

func newTestCtx() *testCtx {
	return &testCtx{entries: make(map[string]int)}
}

func entry(name string) func(*testCtx) error {
	return func(c *testCtx) error {
		c.entries[name]++
		c.trace = append(c.trace, "enter:"+name)
		return nil
	}
}

func always(*testCtx) bool { return true }
func never(*testCtx) bool  { return false }

func mustGraph(t *testing.T, build func(g *Graph[*testCtx]) error) *Graph[*testCtx] {
	t.Helper()
	g := NewGraph[*testCtx]()
	if err := build(g); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestMachine_FirstTrueGuardWins(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", entry("A")),
			g.AddState("B", entry("B")),
			g.AddState("C", entry("C")),
			g.AddTransition("A", Transition[*testCtx]{Guard: always, Dest: "B"}),
			g.AddTransition("A", Transition[*testCtx]{Guard: never, Dest: "C"}),
			g.AddTransition("B", Transition[*testCtx]{Guard: never}),
			g.AddTransition("C", Transition[*testCtx]{}),
		)
	})

	c := newTestCtx()
	m, err := New(g, c)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := m.Step(); err != nil {
		t.Fatalf("Step error: %v", err)
	}

	if m.Current() != "B" {
		t.Errorf("Current() = %q, want B", m.Current())
	}
	if c.entries["B"] != 1 {
		t.Errorf("B entry ran %d times, want 1", c.entries["B"])
	}
	if c.entries["C"] != 0 {
		t.Errorf("C entry ran %d times, want 0", c.entries["C"])
	}

	// Staying in B must not re-run its entry action.
	for range 3 {
		if err := m.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if c.entries["B"] != 1 {
		t.Errorf("B entry ran %d times after idle cycles, want 1", c.entries["B"])
	}
}

func TestMachine_OverlappingGuardsUseRegistrationOrder(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", nil),
			g.AddState("B", entry("B")),
			g.AddState("C", entry("C")),
			g.AddTransition("A", Transition[*testCtx]{Guard: always, Dest: "C"}),
			g.AddTransition("A", Transition[*testCtx]{Guard: always, Dest: "B"}),
			g.AddTransition("B", Transition[*testCtx]{}),
			g.AddTransition("C", Transition[*testCtx]{}),
		)
	})
	m, err := New(g, newTestCtx())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.Current() != "C" {
		t.Errorf("Current() = %q, want C (first registered)", m.Current())
	}
}

func TestMachine_OrderWithinCycle(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", entry("A")),
			g.AddState("B", entry("B")),
			g.AddTransition("A", Transition[*testCtx]{
				Guard: func(c *testCtx) bool {
					c.trace = append(c.trace, "guard:A")
					return true
				},
				Action: func(c *testCtx) error {
					c.trace = append(c.trace, "action:A->B")
					return nil
				},
				Dest: "B",
			}),
			g.AddTransition("B", Transition[*testCtx]{Guard: never}),
		)
	})
	c := newTestCtx()
	m, err := New(g, c)
	if err != nil {
		t.Fatal(err)
	}
	m.AddTask("poll", func(c *testCtx) error {
		c.trace = append(c.trace, "task")
		return nil
	})
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}

	want := []string{"enter:A", "guard:A", "action:A->B", "enter:B", "task"}
	if !slices.Equal(c.trace, want) {
		t.Errorf("trace = %v, want %v", c.trace, want)
	}
}

func TestMachine_EventGating(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", nil),
			g.AddState("B", entry("B")),
			g.AddTransition("A", Transition[*testCtx]{Event: "go", Dest: "B"}),
			g.AddTransition("B", Transition[*testCtx]{Event: "go"}),
		)
	})
	m, err := New(g, newTestCtx())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.Current() != "A" {
		t.Fatalf("Current() = %q before event, want A", m.Current())
	}

	m.Post("go")
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.Current() != "B" {
		t.Fatalf("Current() = %q after event, want B", m.Current())
	}
	// The event was consumed by A's transition.
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if m.Done() {
		t.Error("Done() = true, event should have been consumed")
	}
	m.Post("go")
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if !m.Done() {
		t.Error("Done() = false after second event")
	}
}

func TestMachine_TaskDeregisters(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", nil),
			g.AddTransition("A", Transition[*testCtx]{Guard: func(c *testCtx) bool { return c.polls >= 5 }}),
		)
	})
	c := newTestCtx()
	m, err := New(g, c)
	if err != nil {
		t.Fatal(err)
	}
	runs := 0
	m.AddTask("once", func(*testCtx) error {
		runs++
		return ErrTaskDone
	})
	m.AddTask("count", func(c *testCtx) error {
		c.polls++
		return nil
	})

	for range 3 {
		if err := m.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if runs != 1 {
		t.Errorf("self-removing task ran %d times, want 1", runs)
	}
	if c.polls != 3 {
		t.Errorf("polls = %d, want 3", c.polls)
	}
	if m.HasTask("once") || !m.HasTask("count") {
		t.Error("task registry wrong after deregistration")
	}
}

func TestMachine_TasksRunOnTerminalCycle(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", nil),
			g.AddTransition("A", Transition[*testCtx]{}),
		)
	})
	c := newTestCtx()
	m, err := New(g, c)
	if err != nil {
		t.Fatal(err)
	}
	m.AddTask("count", func(c *testCtx) error {
		c.polls++
		return nil
	})
	if err := m.Run(t.Context()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !m.Done() || c.polls != 1 {
		t.Errorf("Done() = %v polls = %d, want true 1", m.Done(), c.polls)
	}
}

func TestMachine_RunPollsProbe(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("Start", func(c *testCtx) error {
				c.running = true
				return nil
			}),
			g.AddTransition("Start", Transition[*testCtx]{Guard: func(c *testCtx) bool { return !c.running }}),
		)
	})
	c := newTestCtx()
	m, err := New(g, c, WithInterval(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	m.AddTask("finish", func(c *testCtx) error {
		c.polls++
		if c.polls == 3 {
			c.running = false
		}
		return nil
	})

	var hops []TransitionInfo
	m.cfg.onTransition = func(ti TransitionInfo) { hops = append(hops, ti) }

	if err := m.Run(t.Context()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if m.Cycles() != 4 {
		t.Errorf("Cycles() = %d, want 4", m.Cycles())
	}
	if len(hops) != 1 || hops[0].From != "Start" || hops[0].To != "" {
		t.Errorf("transitions = %+v", hops)
	}
}

func TestMachine_RunCancelled(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", nil),
			g.AddTransition("A", Transition[*testCtx]{Guard: never}),
		)
	})
	m, err := New(g, newTestCtx(), WithInterval(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err = m.Run(ctx)
	if !errors.Is(err, types.ErrInterrupted) {
		t.Errorf("Run error = %v, want ErrInterrupted", err)
	}
}

func TestMachine_EntryErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", func(*testCtx) error { return boom }),
			g.AddTransition("A", Transition[*testCtx]{}),
		)
	})
	m, err := New(g, newTestCtx())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Step(); !errors.Is(err, boom) {
		t.Errorf("Step error = %v, want boom", err)
	}
}

func TestMachine_WithStart(t *testing.T) {
	g := mustGraph(t, func(g *Graph[*testCtx]) error {
		return errors.Join(
			g.AddState("A", entry("A")),
			g.AddState("B", entry("B")),
			g.AddTransition("A", Transition[*testCtx]{Dest: "B"}),
			g.AddTransition("B", Transition[*testCtx]{Guard: never}),
			g.AddTransition("B", Transition[*testCtx]{Event: "stop"}),
		)
	})
	c := newTestCtx()
	m, err := New(g, c, WithStart("B"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	if c.entries["A"] != 0 || c.entries["B"] != 1 {
		t.Errorf("entries = %v, want only B", c.entries)
	}

	if _, err := New(g, c, WithStart("Z")); !errors.Is(err, types.ErrValidation) {
		t.Errorf("New with unknown start error = %v, want ErrValidation", err)
	}
}
