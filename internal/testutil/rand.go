package testutil

import "sync"

// SeqRand returns predetermined values from Int64N, cycling through them.
//
// Values are clamped into [0, n). It satisfies presence.Rand so tests can
// force exact checkpoint intervals.
type SeqRand struct {
	mu   sync.Mutex
	vals []int64
	idx  int
}

// NewSeqRand creates a SeqRand. With no values it always returns 0.
func NewSeqRand(vals ...int64) *SeqRand {
	return &SeqRand{vals: vals}
}

// Int64N returns the next value clamped into [0, n).
func (r *SeqRand) Int64N(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.vals) == 0 || n <= 0 {
		return 0
	}
	v := r.vals[r.idx%len(r.vals)]
	r.idx++
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
