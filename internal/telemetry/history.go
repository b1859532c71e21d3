package telemetry

// History is a bounded sequence of samples that evicts its oldest entry when a
// push would exceed the limit. It is not safe for concurrent use; Store
// provides the locking.
type History struct {
	buf   []float64
	start int
	size  int
}

// NewHistory creates a history holding at most max samples.
func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{buf: make([]float64, max)}
}

// Push appends v, dropping the oldest sample if the history is full.
func (h *History) Push(v float64) {
	end := (h.start + h.size) % len(h.buf)
	h.buf[end] = v
	if h.size < len(h.buf) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// Recent returns up to n of the newest samples, oldest first. A negative n
// returns everything.
func (h *History) Recent(n int) []float64 {
	if n < 0 || n > h.size {
		n = h.size
	}
	out := make([]float64, n)
	skip := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+skip+i)%len(h.buf)]
	}
	return out
}

// Latest returns the newest sample.
func (h *History) Latest() (float64, bool) {
	if h.size == 0 {
		return 0, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

func (h *History) Len() int { return h.size }
func (h *History) Max() int { return len(h.buf) }

func (h *History) Clear() {
	h.start = 0
	h.size = 0
}
