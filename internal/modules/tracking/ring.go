package tracking

// ring keeps the most recent points of one session.
type ring struct {
	buf   []RoutePoint
	start int
	n     int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]RoutePoint, size)}
}

func (r *ring) push(p RoutePoint) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot copies the buffered points oldest first.
func (r *ring) snapshot() []RoutePoint {
	out := make([]RoutePoint, r.n)
	for i := range r.n {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
