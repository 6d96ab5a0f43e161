package conformal

// Window is a fixed-capacity ring of float64 samples. Once full, each Push
// evicts the oldest sample. The backing array is allocated once in NewWindow,
// so steady-state pushes never allocate.
type Window struct {
	buf  []float64
	head int // index of the oldest sample
	n    int
}

// NewWindow returns an empty window holding at most capacity samples.
// A non-positive capacity yields a window that stores nothing.
func NewWindow(capacity int) *Window {
	if capacity < 0 {
		capacity = 0
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when the window is full.
func (w *Window) Push(v float64) {
	c := len(w.buf)
	if c == 0 {
		return
	}
	if w.n < c {
		w.buf[(w.head+w.n)%c] = v
		w.n++
		return
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % c
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return w.n }

// Cap returns the maximum number of samples the window retains.
func (w *Window) Cap() int { return len(w.buf) }

// At returns the i-th sample, oldest first. It panics if i is out of range.
func (w *Window) At(i int) float64 {
	if i < 0 || i >= w.n {
		panic("conformal: window index out of range")
	}
	return w.buf[(w.head+i)%len(w.buf)]
}

// AppendTo appends the samples to dst in insertion order and returns the
// extended slice.
func (w *Window) AppendTo(dst []float64) []float64 {
	for i := 0; i < w.n; i++ {
		dst = append(dst, w.buf[(w.head+i)%len(w.buf)])
	}
	return dst
}

// Values returns a copy of the samples in insertion order.
func (w *Window) Values() []float64 {
	return w.AppendTo(make([]float64, 0, w.n))
}

// Clear drops every sample but keeps the backing array.
func (w *Window) Clear() {
	w.head = 0
	w.n = 0
}
