package extent

import (
	"errors"
	"testing"

	"github.com/pithecene-io/usedrescue/types"
)

func TestExtent_Overlaps(t *testing.T) {
	tests := []struct {
		a, b Extent
		want bool
	}{
		{Extent{100, 50}, Extent{140, 30}, true},
		{Extent{100, 50}, Extent{150, 10}, true}, // touching
		{Extent{100, 50}, Extent{151, 10}, false},
		{Extent{100, 50}, Extent{90, 10}, true}, // touching from below
		{Extent{100, 50}, Extent{89, 10}, false},
		{Extent{100, 10}, Extent{50, 200}, true}, // contained
	}
	for _, tt := range tests {
		if got := tt.a.Overlaps(tt.b); got != tt.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if got := tt.b.Overlaps(tt.a); got != tt.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestExtent_Union(t *testing.T) {
	u, err := Extent{100, 50}.Union(Extent{140, 30})
	if err != nil {
		t.Fatalf("Union error: %v", err)
	}
	if u != (Extent{100, 70}) {
		t.Errorf("Union = %v, want (100,70)", u)
	}

	_, err = Extent{0, 10}.Union(Extent{20, 10})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("Union of disjoint extents error = %v, want ErrValidation", err)
	}
}

func TestExtent_Contains(t *testing.T) {
	outer := Extent{100, 100}
	if !outer.Contains(Extent{100, 100}) {
		t.Error("extent should contain itself")
	}
	if !outer.Contains(Extent{150, 10}) {
		t.Error("Contains((150,10)) = false, want true")
	}
	if outer.Contains(Extent{190, 20}) {
		t.Error("Contains((190,20)) = true, want false")
	}
	if got := outer.End(); got != 199 {
		t.Errorf("End() = %d, want 199", got)
	}
}
