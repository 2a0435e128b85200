package statemachine

import (
	"errors"
	"testing"

	"github.com/pithecene-io/usedrescue/types"
)

func TestGraph_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *Graph[int]) error
	}{
		{
			name:  "empty graph",
			build: func(*Graph[int]) error { return nil },
		},
		{
			name: "duplicate state",
			build: func(g *Graph[int]) error {
				_ = g.AddState("A", nil)
				return g.AddState("A", nil)
			},
		},
		{
			name: "empty name",
			build: func(g *Graph[int]) error {
				return g.AddState("", nil)
			},
		},
		{
			name: "transition from unknown state",
			build: func(g *Graph[int]) error {
				return g.AddTransition("A", Transition[int]{})
			},
		},
		{
			name: "unknown destination",
			build: func(g *Graph[int]) error {
				_ = g.AddState("A", nil)
				_ = g.AddTransition("A", Transition[int]{})
				return g.AddTransition("A", Transition[int]{Dest: "B"})
			},
		},
		{
			name: "no terminal",
			build: func(g *Graph[int]) error {
				_ = g.AddState("A", nil)
				return g.AddTransition("A", Transition[int]{Dest: "A"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph[int]()
			err := tt.build(g)
			if err == nil {
				_, err = New(g, 0)
			}
			if !errors.Is(err, types.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestGraph_Introspection(t *testing.T) {
	g := NewGraph[int]()
	_ = g.AddState("A", nil)
	_ = g.AddState("B", nil)
	_ = g.AddTransition("A", Transition[int]{Dest: "B"})
	_ = g.AddTransition("A", Transition[int]{})

	if g.Start() != "A" {
		t.Errorf("Start() = %q, want A", g.Start())
	}
	if got := g.Transitions("A"); len(got) != 2 || got[0] != "B" || got[1] != "" {
		t.Errorf("Transitions(A) = %q", got)
	}
	if err := g.SetStart("B"); err != nil {
		t.Fatal(err)
	}
	if err := g.SetStart("Z"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("SetStart(Z) error = %v", err)
	}
}
