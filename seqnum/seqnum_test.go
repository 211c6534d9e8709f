package seqnum

import (
	"testing"
)

func TestLessThan(t *testing.T) {
	tests := []struct {
		a, b Value
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{0, 0, false},
		{0, 128, true},
		{0, 129, false},
		{250, 2, true},
		{2, 250, false},
		{255, 0, true},
		{127, 255, true},
		{128, 0, true},
	}

	for _, test := range tests {
		if got := test.a.LessThan(test.b); got != test.want {
			t.Errorf("%v.LessThan(%v) = %v, want %v", test.a, test.b, got, test.want)
		}
	}
}

func TestLessThanEq(t *testing.T) {
	if !Value(7).LessThanEq(7) {
		t.Errorf("7.LessThanEq(7) = false, want true")
	}
	if !Value(254).LessThanEq(1) {
		t.Errorf("254.LessThanEq(1) = false, want true")
	}
	if Value(1).LessThanEq(254) {
		t.Errorf("1.LessThanEq(254) = true, want false")
	}
}

func TestInRange(t *testing.T) {
	tests := []struct {
		v, a, b Value
		want    bool
	}{
		{5, 5, 10, true},
		{9, 5, 10, true},
		{10, 5, 10, false},
		{4, 5, 10, false},
		// Ranges spanning the wrap point
		{254, 250, 2, true},
		{0, 250, 2, true},
		{1, 250, 2, true},
		{2, 250, 2, false},
		{100, 250, 2, false},
	}

	for _, test := range tests {
		if got := test.v.InRange(test.a, test.b); got != test.want {
			t.Errorf("%v.InRange(%v, %v) = %v, want %v", test.v, test.a, test.b, got, test.want)
		}
	}
}

func TestInWindow(t *testing.T) {
	if !Value(255).InWindow(254, 3) {
		t.Errorf("255.InWindow(254, 3) = false, want true")
	}
	if Value(1).InWindow(254, 3) {
		t.Errorf("1.InWindow(254, 3) = true, want false")
	}
}

func TestAddWraps(t *testing.T) {
	if got := Value(250).Add(10); got != 4 {
		t.Errorf("250.Add(10) = %v, want 4", got)
	}
}

func TestSizeWraps(t *testing.T) {
	if got := Value(250).Size(4); got != 10 {
		t.Errorf("250.Size(4) = %v, want 10", got)
	}
}
