// Package sim steps every accepted chamber's sandboxed module on a fixed
// tick and keeps a bounded, cursor-addressable history of snapshots per
// instance. One engine goroutine owns all instances; readers go through
// per-instance locks and never block the tick.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"ballmachine.dev/internal/audit"
	"ballmachine.dev/internal/chamber"
)

var ErrNotFound = errors.New("no simulation instance for chamber")

type Options struct {
	TickRateHz int
	HistoryLen int
	// Seed drives per-instance ball placement. Fixed for reproducible runs.
	Seed int64
}

type Metrics struct {
	Running    int    `json:"running"`
	Trapped    int    `json:"trapped"`
	TotalSteps uint64 `json:"total_steps"`
}

type cfgReq struct {
	cfg  Config
	resp chan error
}

type Engine struct {
	factory Factory
	opts    Options
	log     *log.Logger
	audit   *audit.Logger

	mu        sync.RWMutex
	cfg       Config
	instances map[string]*instance

	addCh   chan string
	cfgCh   chan cfgReq
	resetCh chan chan error
}

// New builds an engine over the given chamber ids (the already-accepted set
// at startup). Instances are created when Run starts.
func New(factory Factory, cfg Config, ids []string, opts Options, logger *log.Logger, auditor *audit.Logger) *Engine {
	if opts.TickRateHz <= 0 {
		opts.TickRateHz = 30
	}
	if opts.HistoryLen <= 0 {
		opts.HistoryLen = 64
	}
	e := &Engine{
		factory:   factory,
		opts:      opts,
		log:       logger,
		audit:     auditor,
		cfg:       cfg,
		instances: make(map[string]*instance),
		addCh:     make(chan string, 16),
		cfgCh:     make(chan cfgReq),
		resetCh:   make(chan chan error),
	}
	for _, id := range ids {
		e.instances[id] = newInstance(id, opts.HistoryLen, opts.Seed)
	}
	return e
}

// Run owns all instance mutation until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.reseed(ctx)

	interval := time.Second / time.Duration(e.opts.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stopAll(context.Background())
			return ctx.Err()
		case id := <-e.addCh:
			e.startChamber(ctx, id)
		case req := <-e.cfgCh:
			req.resp <- e.applyConfig(ctx, req.cfg)
		case resp := <-e.resetCh:
			e.reseed(ctx)
			resp <- nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// AddChamber registers a freshly accepted chamber with the running engine.
// The loop may be mid-reseed; ctx bounds the wait.
func (e *Engine) AddChamber(ctx context.Context, id string) error {
	select {
	case e.addCh <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetConfig swaps the global config and reseeds every instance. Synchronous
// so callers can report failure; the engine loop does the actual work.
func (e *Engine) SetConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	resp := make(chan error, 1)
	select {
	case e.cfgCh <- cfgReq{cfg: cfg, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset reseeds every instance without a config change.
func (e *Engine) Reset(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case e.resetCh <- resp:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// FetchSince returns the chamber's snapshots with num_steps_taken > cursor
// in increasing order, plus the instance state so a quarantined chamber can
// be surfaced as an error while its last-known history stays readable.
func (e *Engine) FetchSince(id string, cursor uint64) ([]Snapshot, InstanceState, error) {
	e.mu.RLock()
	in, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil, InstanceStopped, ErrNotFound
	}
	state, _ := in.status()
	return in.since(cursor), state, nil
}

// InstanceStatus reports a chamber's execution state and, for a quarantined
// instance, the fault that got it there.
func (e *Engine) InstanceStatus(id string) (InstanceState, string, error) {
	e.mu.RLock()
	in, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return InstanceStopped, "", ErrNotFound
	}
	state, message := in.status()
	return state, message, nil
}

// ChamberIDs returns the ids of every instance, sorted. The set only grows
// between process restarts; reseeds rebuild the same ids.
func (e *Engine) ChamberIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FetchAllSince merges FetchSince across every instance, ascending by step
// then chamber id.
func (e *Engine) FetchAllSince(cursor uint64) []Snapshot {
	e.mu.RLock()
	ins := make([]*instance, 0, len(e.instances))
	for _, in := range e.instances {
		ins = append(ins, in)
	}
	e.mu.RUnlock()

	var out []Snapshot
	for _, in := range ins {
		out = append(out, in.since(cursor)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NumStepsTaken != out[j].NumStepsTaken {
			return out[i].NumStepsTaken < out[j].NumStepsTaken
		}
		return out[i].ChamberID < out[j].ChamberID
	})
	return out
}

func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var m Metrics
	for _, in := range e.instances {
		state, _ := in.status()
		switch state {
		case InstanceRunning:
			m.Running++
		case InstanceTrapped:
			m.Trapped++
		}
		in.mu.Lock()
		m.TotalSteps += in.steps
		in.mu.Unlock()
	}
	return m
}

// --- engine goroutine only below here ---

func (e *Engine) tick(ctx context.Context) {
	e.mu.RLock()
	cfg := e.cfg
	ins := make([]*instance, 0, len(e.instances))
	for _, in := range e.instances {
		ins = append(ins, in)
	}
	e.mu.RUnlock()
	sort.Slice(ins, func(i, j int) bool { return ins[i].id < ins[j].id })

	delta := float32(1) / float32(e.opts.TickRateHz)
	for _, in := range ins {
		if state, _ := in.status(); state != InstanceRunning {
			continue
		}
		e.stepInstance(ctx, in, cfg, delta)
	}
}

// stepInstance advances one instance by one step. Steps for a single
// chamber are strictly sequential; a fault quarantines the instance and
// leaves its siblings alone.
func (e *Engine) stepInstance(ctx context.Context, in *instance, cfg Config, delta float32) {
	chamber.ApplyGravity(in.balls, delta)
	out, err := in.stepper.Step(ctx, in.balls, delta)
	if err != nil {
		e.quarantine(ctx, in, err)
		return
	}
	in.balls = out
	chamber.RespawnFallen(in.balls, cfg.ChamberHeight, in.rng)
	in.record(in.balls)
}

func (e *Engine) quarantine(ctx context.Context, in *instance, cause error) {
	e.log.Printf("chamber %s quarantined: %v", in.id, cause)
	in.close(ctx, InstanceTrapped, cause.Error())
	if e.audit != nil {
		if err := e.audit.Record(audit.Entry{
			Action:    audit.ActionQuarantine,
			ChamberID: in.id,
			Detail:    cause.Error(),
		}); err != nil {
			e.log.Printf("audit: %v", err)
		}
	}
}

func (e *Engine) startChamber(ctx context.Context, id string) {
	e.mu.Lock()
	if _, ok := e.instances[id]; ok {
		e.mu.Unlock()
		return
	}
	in := newInstance(id, e.opts.HistoryLen, e.opts.Seed)
	e.instances[id] = in
	cfg := e.cfg
	e.mu.Unlock()
	e.startInstance(ctx, in, cfg)
}

// startInstance moves an instance through Starting into Running (or
// Trapped, when the module cannot even be brought up).
func (e *Engine) startInstance(ctx context.Context, in *instance, cfg Config) {
	in.setState(InstanceStarting, "")
	stepper, err := e.factory(ctx, in.id, cfg)
	if err != nil {
		e.quarantine(ctx, in, fmt.Errorf("start: %w", err))
		return
	}
	in.stepper = stepper
	in.balls = chamber.SeedBalls(cfg.NumBalls, cfg.ChamberHeight, in.rng)
	in.setState(InstanceRunning, "")
}

// applyConfig is the stop-the-world reseed: every instance is rebuilt under
// the new config, counters return to zero and history is cleared.
func (e *Engine) applyConfig(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.reseed(ctx)
	return nil
}

func (e *Engine) reseed(ctx context.Context) {
	e.mu.Lock()
	old := e.instances
	fresh := make(map[string]*instance, len(old))
	for id := range old {
		fresh[id] = newInstance(id, e.opts.HistoryLen, e.opts.Seed)
	}
	e.instances = fresh
	cfg := e.cfg
	e.mu.Unlock()

	for _, in := range old {
		in.close(ctx, InstanceStopped, "")
	}
	for _, in := range fresh {
		e.startInstance(ctx, in, cfg)
	}
}

func (e *Engine) stopAll(ctx context.Context) {
	e.mu.RLock()
	ins := make([]*instance, 0, len(e.instances))
	for _, in := range e.instances {
		ins = append(ins, in)
	}
	e.mu.RUnlock()
	for _, in := range ins {
		in.close(ctx, InstanceStopped, "")
	}
}
