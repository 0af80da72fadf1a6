package sim

import "fmt"

// Config is the process-wide simulation parameterization. Changing it is a
// structural rebuild of every instance, never an in-place patch.
type Config struct {
	NumBalls       int     `json:"num_balls"`
	ChambersPerRow int     `json:"chambers_per_row"`
	ChamberHeight  float64 `json:"chamber_height"`
}

func (c Config) Validate() error {
	if c.NumBalls < 0 {
		return fmt.Errorf("num_balls must be >= 0")
	}
	if c.ChambersPerRow < 1 {
		return fmt.Errorf("chambers_per_row must be >= 1")
	}
	if c.ChamberHeight <= 0 {
		return fmt.Errorf("chamber_height must be > 0")
	}
	return nil
}
