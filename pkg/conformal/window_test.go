package conformal

import (
	"slices"
	"testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	w := NewWindow(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Push(v)
	}
	if w.Len() != 3 || w.Cap() != 3 {
		t.Fatalf("len=%d cap=%d, want 3/3", w.Len(), w.Cap())
	}
	if got := w.Values(); !slices.Equal(got, []float64{3, 4, 5}) {
		t.Errorf("Values()=%v, want [3 4 5]", got)
	}
	if w.At(0) != 3 || w.At(2) != 5 {
		t.Errorf("At(0)=%v At(2)=%v", w.At(0), w.At(2))
	}
}

func TestWindowClearKeepsCapacity(t *testing.T) {
	t.Parallel()

	w := NewWindow(4)
	w.Push(1)
	w.Push(2)
	w.Clear()
	if w.Len() != 0 || w.Cap() != 4 {
		t.Fatalf("after Clear len=%d cap=%d", w.Len(), w.Cap())
	}
	w.Push(9)
	if got := w.Values(); !slices.Equal(got, []float64{9}) {
		t.Errorf("Values()=%v, want [9]", got)
	}
}

func TestWindowZeroCapacity(t *testing.T) {
	t.Parallel()

	for _, c := range []int{0, -5} {
		w := NewWindow(c)
		w.Push(1)
		if w.Len() != 0 {
			t.Errorf("capacity %d: len=%d, want 0", c, w.Len())
		}
	}
}

func TestWindowAtPanicsOutOfRange(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("At(0) on empty window should panic")
		}
	}()
	NewWindow(2).At(0)
}
