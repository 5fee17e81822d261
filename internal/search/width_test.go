package search

import (
	"math"
	"testing"
)

func TestDoubleThenHalfDoesNotGrow(t *testing.T) {
	for _, w := range []float64{0.001, 0.005, 0.02, 0.1, 0.5} {
		doubled := DoubleRelativeWidth(w)
		if doubled <= w || doubled >= 1 {
			t.Fatalf("DoubleRelativeWidth(%v) = %v, want in (%v, 1)", w, doubled, w)
		}
		if half := HalfRelativeWidth(doubled); half > w {
			t.Fatalf("HalfRelativeWidth(DoubleRelativeWidth(%v)) = %v, want <= %v", w, half, w)
		}
	}
}

func TestExpandSteps(t *testing.T) {
	down := ExpandDown(0.01, 1, 1000)
	want := 1000 * (1 - DoubleRelativeWidth(0.01))
	if math.Abs(down-want) > 1e-9 {
		t.Fatalf("ExpandDown = %v, want %v", down, want)
	}
	up := ExpandUp(0.01, 2, 1000)
	want = 1000 / (1 - DoubleRelativeWidth(DoubleRelativeWidth(0.01)))
	if math.Abs(up-want) > 1e-9 {
		t.Fatalf("ExpandUp = %v, want %v", up, want)
	}
	if got := ExpandDown(0.01, 0, 1000); math.Abs(got-990) > 1e-9 {
		t.Fatalf("ExpandDown without doubling = %v, want 990", got)
	}
}

func TestRelativeWidth(t *testing.T) {
	if got := RelativeWidth(90, 100); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("RelativeWidth(90, 100) = %v, want 0.1", got)
	}
	if got := RelativeWidth(0, 0); got != 0 {
		t.Fatalf("RelativeWidth(0, 0) = %v, want 0", got)
	}
}
