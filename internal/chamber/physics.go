package chamber

import (
	"math/rand"
)

// Host-side ball handling around each module step. The module owns whatever
// happens inside the chamber; the host owns gravity and recycling balls that
// fall out the bottom back to the top of the chamber column.

const (
	Gravity    = -9.8
	BallRadius = 0.025
)

// SeedBalls places n balls at staggered heights above the visible chamber so
// they rain in over the first few steps.
func SeedBalls(n int, chamberHeight float64, rng *rand.Rand) []Ball {
	balls := make([]Ball, n)
	for i := range balls {
		balls[i] = Ball{
			Pos: Vec2{
				X: BallRadius + rng.Float32()*(1-2*BallRadius),
				Y: float32(chamberHeight) + BallRadius + float32(i)*4*BallRadius,
			},
			R: BallRadius,
		}
	}
	return balls
}

// ApplyGravity advances ball velocities and positions by delta seconds.
func ApplyGravity(balls []Ball, delta float32) {
	for i := range balls {
		balls[i].Vel.Y += Gravity * delta
		balls[i].Pos.X += balls[i].Vel.X * delta
		balls[i].Pos.Y += balls[i].Vel.Y * delta
	}
}

// RespawnFallen recycles balls that dropped below the chamber floor back to
// the top, with a fresh horizontal position.
func RespawnFallen(balls []Ball, chamberHeight float64, rng *rand.Rand) {
	for i := range balls {
		if balls[i].Pos.Y >= -balls[i].R {
			continue
		}
		balls[i].Pos = Vec2{
			X: BallRadius + rng.Float32()*(1-2*BallRadius),
			Y: float32(chamberHeight) + BallRadius,
		}
		balls[i].Vel = Vec2{}
		balls[i].R = BallRadius
	}
}
