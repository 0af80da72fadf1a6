package chamber

import (
	"encoding/binary"
	"math"
)

// Coordinates are normalized against the chamber width: x spans [0,1], y is
// measured up from the chamber floor. This matches the layout the chamber
// modules are compiled against (libphysics struct ball).
type Vec2 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

type Ball struct {
	Pos Vec2    `json:"pos"`
	R   float32 `json:"r"`
	Vel Vec2    `json:"velocity"`
}

// BallSize is the wire size of one ball in the shared balls memory:
// five little-endian f32 fields (pos.x, pos.y, r, velocity.x, velocity.y).
const BallSize = 20

func MarshalBalls(balls []Ball) []byte {
	buf := make([]byte, 0, len(balls)*BallSize)
	for _, b := range balls {
		buf = appendF32(buf, b.Pos.X)
		buf = appendF32(buf, b.Pos.Y)
		buf = appendF32(buf, b.R)
		buf = appendF32(buf, b.Vel.X)
		buf = appendF32(buf, b.Vel.Y)
	}
	return buf
}

func UnmarshalBalls(raw []byte, n int) []Ball {
	if len(raw) < n*BallSize {
		n = len(raw) / BallSize
	}
	balls := make([]Ball, n)
	for i := 0; i < n; i++ {
		off := i * BallSize
		balls[i] = Ball{
			Pos: Vec2{X: readF32(raw, off), Y: readF32(raw, off+4)},
			R:   readF32(raw, off+8),
			Vel: Vec2{X: readF32(raw, off+12), Y: readF32(raw, off+16)},
		}
	}
	return balls
}

func appendF32(buf []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
}

func readF32(raw []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
}
