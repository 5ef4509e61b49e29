// Package window provides a fixed-capacity rolling buffer.
package window

// Rolling is a circular buffer that keeps the last Cap() items pushed.
// It is not safe for concurrent use.
type Rolling[T any] struct {
	buf  []T
	head int // next write position
	n    int
}

// New returns a window holding at most capacity items. Capacities below 1
// are raised to 1.
func New[T any](capacity int) *Rolling[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Rolling[T]{buf: make([]T, capacity)}
}

// Push appends item, overwriting the oldest entry once full.
func (w *Rolling[T]) Push(item T) {
	w.buf[w.head] = item
	w.head = (w.head + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

// Snapshot returns the stored items oldest first.
func (w *Rolling[T]) Snapshot() []T {
	out := make([]T, w.n)
	start := (w.head - w.n + len(w.buf)) % len(w.buf)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Last returns the i-th most recent item; Last(0) is the newest.
func (w *Rolling[T]) Last(i int) (T, bool) {
	var zero T
	if i < 0 || i >= w.n {
		return zero, false
	}
	idx := (w.head - 1 - i + 2*len(w.buf)) % len(w.buf)
	return w.buf[idx], true
}

func (w *Rolling[T]) Len() int { return w.n }
func (w *Rolling[T]) Cap() int { return len(w.buf) }
func (w *Rolling[T]) Full() bool { return w.n == len(w.buf) }

func (w *Rolling[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.head, w.n = 0, 0
}
