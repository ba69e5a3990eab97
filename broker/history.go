package broker

import "github.com/hupe1980/agentrelay/message"

// ring is a fixed-capacity FIFO that evicts its oldest entry when full.
// It stores its own copy of each payload so handlers mutating a routed
// message cannot change history. It is not safe for concurrent use; the
// broker guards it with its mutex.
type ring struct {
	buf   []message.Message
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}

	return &ring{buf: make([]message.Message, capacity)}
}

func (r *ring) push(m message.Message) {
	m.Payload = m.Payload.Clone()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++

		return
	}

	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.size }

// last returns up to n entries, oldest first. n <= 0 returns everything.
func (r *ring) last(n int) []message.Message {
	if n <= 0 || n > r.size {
		n = r.size
	}

	out := make([]message.Message, n)
	offset := r.size - n

	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}

	return out
}

func (r *ring) reset() {
	r.buf = make([]message.Message, len(r.buf))
	r.start = 0
	r.size = 0
}
