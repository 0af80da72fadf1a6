package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	raw := []byte(`
tick_rate_hz: 60
sandbox:
  step_budget_ms: 10
seed:
  num_balls: 12
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.TickRateHz != 60 {
		t.Fatalf("tick_rate_hz = %d", c.TickRateHz)
	}
	if c.Sandbox.StepBudgetMs != 10 {
		t.Fatalf("step_budget_ms = %d", c.Sandbox.StepBudgetMs)
	}
	if c.Seed.NumBalls != 12 {
		t.Fatalf("seed.num_balls = %d", c.Seed.NumBalls)
	}
	// Untouched keys keep their defaults.
	d := Defaults()
	if c.HistoryLen != d.HistoryLen || c.Seed.ChambersPerRow != d.Seed.ChambersPerRow {
		t.Fatalf("defaults not preserved: %+v", c)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"zero tick rate", "tick_rate_hz: 0"},
		{"negative balls", "seed:\n  num_balls: -1"},
		{"zero row width", "seed:\n  chambers_per_row: 0"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "machine.yaml")
			if err := os.WriteFile(path, []byte(tc.raw), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
