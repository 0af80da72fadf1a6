package sim

import (
	"ballmachine.dev/internal/chamber"
)

// Snapshot is one immutable simulation-state record. Snapshots are appended
// by exactly one stepping operation and never mutated afterwards.
type Snapshot struct {
	ChamberID     string         `json:"chamber_id"`
	NumStepsTaken uint64         `json:"num_steps_taken"`
	Balls         []chamber.Ball `json:"balls"`
}

// ring is a bounded snapshot history. Oldest entries are trimmed from the
// head once the retention bound is exceeded. Callers hold the owning
// instance's lock.
type ring struct {
	buf []Snapshot
	max int
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) append(s Snapshot) {
	if len(r.buf) == r.max {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.max-1]
	}
	r.buf = append(r.buf, s)
}

// since returns copies of all snapshots with NumStepsTaken > cursor, in
// increasing order.
func (r *ring) since(cursor uint64) []Snapshot {
	i := len(r.buf)
	for i > 0 && r.buf[i-1].NumStepsTaken > cursor {
		i--
	}
	if i == len(r.buf) {
		return nil
	}
	out := make([]Snapshot, len(r.buf)-i)
	copy(out, r.buf[i:])
	return out
}
