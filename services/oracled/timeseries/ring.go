package timeseries

// ring is a fixed-capacity FIFO of price points. The backing slice grows up to
// the capacity and then wraps, so appends and evictions are O(1).
type ring struct {
	buf      []PricePoint
	capacity int
	start    int // index of the oldest point
	size     int
	// next is the sequence number the next appended point will be stored under.
	next uint64
}

func newRing(capacity int, next uint64) *ring {
	return &ring{capacity: capacity, next: next}
}

// push appends p and reports whether the oldest point was evicted.
func (r *ring) push(p PricePoint) bool {
	r.next++
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, p)
		r.size++
		return false
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % r.capacity
	return true
}

func (r *ring) latest() (PricePoint, bool) {
	if r.size == 0 {
		return PricePoint{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// recent returns up to n points, newest first.
func (r *ring) recent(n int) []PricePoint {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []PricePoint{}
	}
	out := make([]PricePoint, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.size - 1 - i) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// first returns the sequence number of the oldest retained point.
func (r *ring) first() uint64 {
	return r.next - uint64(r.size)
}
