// Package validate runs the automated conformance check on freshly uploaded
// chamber modules: load in the sandbox, drive a fixed battery of synthetic
// steps, assert the outputs stay structurally sane. Runs out of band from
// request handling.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"ballmachine.dev/internal/chamber"
	"ballmachine.dev/internal/sandbox"
)

type Config struct {
	// Steps is the length of the synthetic battery.
	Steps int
	// NumBalls seeded into the battery.
	NumBalls int
	// Budget bounds the whole run, instantiation included.
	Budget time.Duration
	// CoordBound is the largest |coordinate| a well-behaved module may
	// produce; anything outside (or non-finite) fails the check.
	CoordBound float64
	// ChamberHeight used for the battery seed.
	ChamberHeight float64
}

func (c Config) withDefaults() Config {
	if c.Steps <= 0 {
		c.Steps = 100
	}
	if c.NumBalls <= 0 {
		c.NumBalls = 4
	}
	if c.Budget <= 0 {
		c.Budget = 2 * time.Second
	}
	if c.CoordBound <= 0 {
		c.CoordBound = 10
	}
	if c.ChamberHeight <= 0 {
		c.ChamberHeight = 0.7
	}
	return c
}

// Check runs the full battery against one isolated module instance. A nil
// return means the module conforms. The returned error wraps the sandbox
// fault sentinels where applicable.
func Check(ctx context.Context, host *sandbox.Runtime, wasm []byte, cfg Config) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Budget)
	defer cancel()

	mod, err := host.Load(ctx, wasm)
	if err != nil {
		return err
	}
	defer mod.Close(context.WithoutCancel(ctx))

	inst, err := mod.Instantiate(ctx, cfg.NumBalls)
	if err != nil {
		return err
	}
	defer inst.Close(context.WithoutCancel(ctx))

	rng := rand.New(rand.NewSource(1))
	balls := chamber.SeedBalls(cfg.NumBalls, cfg.ChamberHeight, rng)
	const delta = float32(1.0 / 30.0)

	for step := 0; step < cfg.Steps; step++ {
		chamber.ApplyGravity(balls, delta)
		out, err := inst.Step(ctx, balls, delta)
		if err != nil {
			if errors.Is(err, sandbox.ErrTimeout) && ctx.Err() != nil {
				return fmt.Errorf("battery step %d: %w", step, context.DeadlineExceeded)
			}
			return fmt.Errorf("battery step %d: %w", step, err)
		}
		if err := checkBalls(out, cfg.CoordBound); err != nil {
			return fmt.Errorf("%w: battery step %d: %v", sandbox.ErrInvalidModule, step, err)
		}
		balls = out
		chamber.RespawnFallen(balls, cfg.ChamberHeight, rng)
	}

	// The save/load path must at least not fault; clients depend on it.
	if _, err := inst.SaveState(ctx); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func checkBalls(balls []chamber.Ball, bound float64) error {
	for i, b := range balls {
		for _, v := range []float32{b.Pos.X, b.Pos.Y, b.Vel.X, b.Vel.Y, b.R} {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("ball %d has non-finite value", i)
			}
		}
		if math.Abs(float64(b.Pos.X)) > bound || math.Abs(float64(b.Pos.Y)) > bound {
			return fmt.Errorf("ball %d escaped to (%g, %g)", i, b.Pos.X, b.Pos.Y)
		}
		if b.R <= 0 {
			return fmt.Errorf("ball %d radius became %g", i, b.R)
		}
	}
	return nil
}
