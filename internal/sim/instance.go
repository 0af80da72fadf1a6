package sim

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"

	"ballmachine.dev/internal/chamber"
)

type InstanceState int

const (
	InstanceStarting InstanceState = iota
	InstanceRunning
	InstanceTrapped
	InstanceStopped
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStarting:
		return "starting"
	case InstanceRunning:
		return "running"
	case InstanceTrapped:
		return "trapped"
	case InstanceStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stepper runs one bounded module step. Satisfied by sandbox instances.
type Stepper interface {
	Step(ctx context.Context, balls []chamber.Ball, delta float32) ([]chamber.Ball, error)
	Close(ctx context.Context) error
}

// Factory builds a fresh, isolated execution context for a chamber under the
// given config.
type Factory func(ctx context.Context, chamberID string, cfg Config) (Stepper, error)

// instance is the runtime state for one accepted chamber. The engine loop is
// the only writer; mu guards the fields readers touch (state, message, ring).
type instance struct {
	id      string
	stepper Stepper
	balls   []chamber.Ball
	rng     *rand.Rand

	mu      sync.Mutex
	state   InstanceState
	message string
	steps   uint64
	history *ring
}

func newInstance(id string, historyLen int, seed int64) *instance {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return &instance{
		id:      id,
		rng:     rand.New(rand.NewSource(seed ^ int64(h.Sum64()))),
		state:   InstanceStarting,
		history: newRing(historyLen),
	}
}

func (in *instance) setState(s InstanceState, message string) {
	in.mu.Lock()
	in.state = s
	in.message = message
	in.mu.Unlock()
}

func (in *instance) status() (InstanceState, string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state, in.message
}

func (in *instance) record(balls []chamber.Ball) {
	snap := Snapshot{
		ChamberID: in.id,
		Balls:     append([]chamber.Ball(nil), balls...),
	}
	in.mu.Lock()
	in.steps++
	snap.NumStepsTaken = in.steps
	in.history.append(snap)
	in.mu.Unlock()
}

func (in *instance) since(cursor uint64) []Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.history.since(cursor)
}

func (in *instance) close(ctx context.Context, state InstanceState, message string) {
	if in.stepper != nil {
		_ = in.stepper.Close(ctx)
		in.stepper = nil
	}
	in.setState(state, message)
}
