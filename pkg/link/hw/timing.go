package hw

// LineTimer measures elapsed scanlines through VCOUNT deltas.
// It must be polled at least once per frame to stay accurate.
type LineTimer struct {
	port   Port
	limit  int
	lines  int
	vCount uint16
}

// NewLineTimer starts a timer expiring after limit lines.
func NewLineTimer(port Port, limit int) *LineTimer {
	return &LineTimer{port: port, limit: limit, vCount: port.VCount()}
}

// Expired updates the elapsed line count and reports whether it
// exceeded the limit.
func (t *LineTimer) Expired() bool {
	if v := t.port.VCount(); v != t.vCount {
		delta := int(v) - int(t.vCount)
		if delta < 0 {
			delta += LinesPerFrame
		}
		t.lines += delta
		t.vCount = v
	}
	return t.lines > t.limit
}

// Lines returns the elapsed lines seen so far.
func (t *LineTimer) Lines() int {
	return t.lines
}

// WaitLines spins until n scanlines elapsed.
func WaitLines(port Port, n int) {
	t := NewLineTimer(port, n-1)
	for !t.Expired() {
	}
}
