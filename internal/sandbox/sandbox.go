// Package sandbox executes untrusted chamber modules under wazero with a
// linear-memory ceiling and a per-call deadline. A fault (trap, timeout,
// memory exhaustion) kills only the offending instance.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"ballmachine.dev/internal/chamber"
)

var (
	ErrInvalidModule    = errors.New("invalid module")
	ErrTrap             = errors.New("module trapped")
	ErrTimeout          = errors.New("module exceeded execution budget")
	ErrResourceExceeded = errors.New("module exceeded memory limit")
	ErrClosed           = errors.New("instance closed")
)

type Config struct {
	// MemoryLimitPages caps guest linear memory (64 KiB per page).
	MemoryLimitPages int
	// StepBudget bounds each exported-function call.
	StepBudget time.Duration
}

// Runtime owns the wazero runtime and compilation cache shared by all
// modules. Safe for concurrent use.
type Runtime struct {
	rt  wazero.Runtime
	cfg Config
	log *log.Logger
}

func NewRuntime(ctx context.Context, cfg Config, logger *log.Logger) (*Runtime, error) {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = 50 * time.Millisecond
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(uint32(cfg.MemoryLimitPages))
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	// Chamber modules import env.logWasm for debug printing.
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) {
			if n > 4096 {
				n = 4096
			}
			if b, ok := m.Memory().Read(ptr, n); ok {
				logger.Printf("guest: %s", b)
			}
		}).
		Export("logWasm").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("host module: %w", err)
	}
	return &Runtime{rt: rt, cfg: cfg, log: logger}, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Module is a compiled, structurally verified chamber module. Instantiate as
// many isolated instances from it as needed.
type Module struct {
	r        *Runtime
	compiled wazero.CompiledModule
}

// Load compiles wasm bytes and verifies the chamber ABI export set. Any
// failure is reported as ErrInvalidModule.
func (r *Runtime) Load(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrInvalidModule, err)
	}
	sigs := make(map[string]chamber.Sig)
	for name, def := range compiled.ExportedFunctions() {
		sigs[name] = chamber.Sig{Params: def.ParamTypes(), Results: def.ResultTypes()}
	}
	if err := chamber.VerifyExports(sigs); err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	mems := compiled.ExportedMemories()
	md, ok := mems["memory"]
	if !ok {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: no exported memory", ErrInvalidModule)
	}
	if r.cfg.MemoryLimitPages > 0 && md.Min() > uint32(r.cfg.MemoryLimitPages) {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: module requires %d pages, limit %d",
			ErrResourceExceeded, md.Min(), r.cfg.MemoryLimitPages)
	}
	return &Module{r: r, compiled: compiled}, nil
}

func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instance is one isolated execution context. Not safe for concurrent use;
// callers serialize steps per instance.
type Instance struct {
	mod    api.Module
	budget time.Duration

	stepFn     api.Function
	saveFn     api.Function
	saveSizeFn api.Function
	saveMemFn  api.Function

	ballsPtr uint32
	closed   bool
}

// Instantiate builds a fresh instance and runs the chamber's init export
// with room for maxBalls balls.
func (m *Module) Instantiate(ctx context.Context, maxBalls int) (*Instance, error) {
	cctx, cancel := context.WithTimeout(ctx, m.r.cfg.StepBudget)
	defer cancel()

	mod, err := m.r.rt.InstantiateModule(cctx, m.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", classify(err))
	}

	inst := &Instance{
		mod:        mod,
		budget:     m.r.cfg.StepBudget,
		stepFn:     mod.ExportedFunction("step"),
		saveFn:     mod.ExportedFunction("save"),
		saveSizeFn: mod.ExportedFunction("saveSize"),
		saveMemFn:  mod.ExportedFunction("saveMemory"),
	}

	if _, err := inst.call(ctx, mod.ExportedFunction("init"), uint64(maxBalls), 0); err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("init: %w", err)
	}
	res, err := inst.call(ctx, mod.ExportedFunction("ballsMemory"))
	if err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("ballsMemory: %w", err)
	}
	inst.ballsPtr = uint32(res[0])
	return inst, nil
}

// Step hands balls to the module, runs one physics step of delta seconds and
// reads the updated balls back out.
func (i *Instance) Step(ctx context.Context, balls []chamber.Ball, delta float32) ([]chamber.Ball, error) {
	if i.closed {
		return nil, ErrClosed
	}
	if !i.mod.Memory().Write(i.ballsPtr, chamber.MarshalBalls(balls)) {
		return nil, fmt.Errorf("%w: balls memory out of range", ErrTrap)
	}
	if _, err := i.call(ctx, i.stepFn, uint64(len(balls)), api.EncodeF32(delta)); err != nil {
		return nil, err
	}
	raw, ok := i.mod.Memory().Read(i.ballsPtr, uint32(len(balls)*chamber.BallSize))
	if !ok {
		return nil, fmt.Errorf("%w: balls memory out of range", ErrTrap)
	}
	return chamber.UnmarshalBalls(raw, len(balls)), nil
}

// SaveState runs the save export and returns the module's serialized state,
// for handing physics state to a client-side renderer.
func (i *Instance) SaveState(ctx context.Context) ([]byte, error) {
	if i.closed {
		return nil, ErrClosed
	}
	if _, err := i.call(ctx, i.saveFn); err != nil {
		return nil, err
	}
	sizeRes, err := i.call(ctx, i.saveSizeFn)
	if err != nil {
		return nil, err
	}
	size := uint32(sizeRes[0])
	if size == 0 {
		return nil, nil
	}
	ptrRes, err := i.call(ctx, i.saveMemFn)
	if err != nil {
		return nil, err
	}
	raw, ok := i.mod.Memory().Read(uint32(ptrRes[0]), size)
	if !ok {
		return nil, fmt.Errorf("%w: save memory out of range", ErrTrap)
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (i *Instance) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true
	return i.mod.Close(ctx)
}

// call invokes fn under the step budget. On fault the instance is closed and
// must be discarded by the caller.
func (i *Instance) call(ctx context.Context, fn api.Function, params ...uint64) ([]uint64, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: missing export", ErrTrap)
	}
	cctx, cancel := context.WithTimeout(ctx, i.budget)
	defer cancel()
	res, err := fn.Call(cctx, params...)
	if err != nil {
		i.closed = true
		return nil, classify(err)
	}
	return res, nil
}

func classify(err error) error {
	var exitErr *sys.ExitError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &exitErr):
		if exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded {
			return ErrTimeout
		}
		return ErrTrap
	default:
		return fmt.Errorf("%w: %v", ErrTrap, err)
	}
}
