package sim

import (
	"context"
	"fmt"

	"ballmachine.dev/internal/chamber"
	"ballmachine.dev/internal/sandbox"
)

// ModuleSource provides the wasm bytes for a chamber id. Satisfied by the
// registry store.
type ModuleSource interface {
	Module(id string) ([]byte, error)
}

// SandboxFactory builds production execution contexts: compile the
// chamber's module in the sandbox runtime and instantiate it with room for
// the configured ball count.
func SandboxFactory(host *sandbox.Runtime, src ModuleSource) Factory {
	return func(ctx context.Context, chamberID string, cfg Config) (Stepper, error) {
		wasm, err := src.Module(chamberID)
		if err != nil {
			return nil, fmt.Errorf("module bytes: %w", err)
		}
		mod, err := host.Load(ctx, wasm)
		if err != nil {
			return nil, err
		}
		inst, err := mod.Instantiate(ctx, cfg.NumBalls)
		if err != nil {
			_ = mod.Close(ctx)
			return nil, err
		}
		return &sandboxStepper{mod: mod, inst: inst}, nil
	}
}

type sandboxStepper struct {
	mod  *sandbox.Module
	inst *sandbox.Instance
}

func (s *sandboxStepper) Step(ctx context.Context, balls []chamber.Ball, delta float32) ([]chamber.Ball, error) {
	return s.inst.Step(ctx, balls, delta)
}

func (s *sandboxStepper) Close(ctx context.Context) error {
	err := s.inst.Close(ctx)
	if cerr := s.mod.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
