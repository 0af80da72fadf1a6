package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the machine.yaml service configuration. Zero values are filled
// in by Defaults; Load applies the file on top of the defaults so a partial
// config is fine.
type Config struct {
	TickRateHz     int `yaml:"tick_rate_hz"`
	HistoryLen     int `yaml:"history_len"`
	MaxModuleBytes int `yaml:"max_module_bytes"`

	Sandbox    Sandbox    `yaml:"sandbox"`
	Validation Validation `yaml:"validation"`
	Seed       Seed       `yaml:"seed"`
}

type Sandbox struct {
	MemoryLimitPages int `yaml:"memory_limit_pages"`
	StepBudgetMs     int `yaml:"step_budget_ms"`
}

type Validation struct {
	Workers    int     `yaml:"workers"`
	Steps      int     `yaml:"steps"`
	NumBalls   int     `yaml:"num_balls"`
	BudgetMs   int     `yaml:"budget_ms"`
	CoordBound float64 `yaml:"coord_bound"`
}

// Seed is the initial global simulation configuration. Admin writes at
// runtime supersede it; it is only read at process start.
type Seed struct {
	NumBalls       int     `yaml:"num_balls"`
	ChambersPerRow int     `yaml:"chambers_per_row"`
	ChamberHeight  float64 `yaml:"chamber_height"`
}

func Defaults() Config {
	return Config{
		TickRateHz:     30,
		HistoryLen:     64,
		MaxModuleBytes: 4 << 20,
		Sandbox: Sandbox{
			MemoryLimitPages: 256, // 16 MiB of linear memory
			StepBudgetMs:     50,
		},
		Validation: Validation{
			Workers:    2,
			Steps:      100,
			NumBalls:   4,
			BudgetMs:   2000,
			CoordBound: 10,
		},
		Seed: Seed{
			NumBalls:       5,
			ChambersPerRow: 3,
			ChamberHeight:  0.7,
		},
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("machine.yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("machine.yaml: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0")
	}
	if c.HistoryLen <= 0 {
		return fmt.Errorf("history_len must be > 0")
	}
	if c.MaxModuleBytes <= 0 {
		return fmt.Errorf("max_module_bytes must be > 0")
	}
	if c.Seed.NumBalls < 0 {
		return fmt.Errorf("seed.num_balls must be >= 0")
	}
	if c.Seed.ChambersPerRow < 1 {
		return fmt.Errorf("seed.chambers_per_row must be >= 1")
	}
	return nil
}
