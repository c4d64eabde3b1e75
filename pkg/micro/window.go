package micro

// ring is a fixed-capacity FIFO window. Pushing past capacity evicts the
// oldest entry in O(1).
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// items returns the window oldest-first.
func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}

// dropWhile evicts oldest entries for as long as pred holds.
func (r *ring[T]) dropWhile(pred func(T) bool) {
	var zero T
	for r.size > 0 && pred(r.buf[r.head]) {
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
}
