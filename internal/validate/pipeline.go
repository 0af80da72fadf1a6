package validate

import (
	"context"
	"errors"
	"log"
	"sync"

	"ballmachine.dev/internal/audit"
	"ballmachine.dev/internal/protocol"
	"ballmachine.dev/internal/registry"
	"ballmachine.dev/internal/sandbox"
)

// CheckFunc is the conformance check applied to a module's bytes. The
// production pipeline uses Check; tests substitute their own.
type CheckFunc func(ctx context.Context, wasm []byte) error

// Pipeline validates pending chambers asynchronously. Each run works on its
// own isolated module instance; the only shared mutation is the single
// compare-and-swap on completion.
type Pipeline struct {
	reg   *registry.Store
	check CheckFunc
	log   *log.Logger
	audit *audit.Logger

	queue chan string
	wg    sync.WaitGroup
}

type PipelineOptions struct {
	Workers int
	// Check overrides the conformance check (tests). Nil means the sandbox
	// battery with Config.
	Check CheckFunc
}

func NewPipeline(reg *registry.Store, host *sandbox.Runtime, cfg Config, opts PipelineOptions, logger *log.Logger, auditor *audit.Logger) *Pipeline {
	check := opts.Check
	if check == nil {
		check = func(ctx context.Context, wasm []byte) error {
			return Check(ctx, host, wasm, cfg)
		}
	}
	return &Pipeline{
		reg:   reg,
		check: check,
		log:   logger,
		audit: auditor,
		queue: make(chan string, 128),
	}
}

// Start launches the worker pool; workers exit when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.queue:
					p.run(ctx, id)
				}
			}
		}()
	}
}

func (p *Pipeline) Wait() { p.wg.Wait() }

// Submit schedules a chamber for validation. Never blocks the caller: if
// the queue is saturated the submit falls back to its own goroutine.
func (p *Pipeline) Submit(id string) {
	select {
	case p.queue <- id:
	default:
		go func() { p.queue <- id }()
	}
}

func (p *Pipeline) run(ctx context.Context, id string) {
	wasm, err := p.reg.Module(id)
	if err != nil {
		p.log.Printf("validate %s: %v", id, err)
		return
	}

	if err := p.check(ctx, wasm); err != nil {
		reason := reasonFor(err)
		p.log.Printf("validate %s: rejected (%s): %v", id, reason, err)
		if terr := p.reg.Transition(id, registry.StatePendingValidation, registry.StateRejected, reason); terr != nil {
			p.log.Printf("validate %s: reject transition: %v", id, terr)
			return
		}
		p.record(audit.ActionRejected, id, reason)
		return
	}

	if err := p.reg.Transition(id, registry.StatePendingValidation, registry.StateValidated, ""); err != nil {
		p.log.Printf("validate %s: validated transition: %v", id, err)
		return
	}
	p.record(audit.ActionValidated, id, "")
}

func (p *Pipeline) record(action, id, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(audit.Entry{Action: action, ChamberID: id, Detail: detail}); err != nil {
		p.log.Printf("audit: %v", err)
	}
}

// reasonFor maps a check failure onto the wire error code recorded against
// the chamber.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sandbox.ErrTimeout):
		return protocol.ErrValidationTimeout
	case errors.Is(err, sandbox.ErrResourceExceeded):
		return protocol.ErrResourceExceeded
	case errors.Is(err, sandbox.ErrTrap):
		return protocol.ErrTrap
	default:
		return protocol.ErrInvalidModule
	}
}
