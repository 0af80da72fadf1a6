package chamber

import (
	"encoding/binary"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"
)

func TestBallCodecRoundTrip(t *testing.T) {
	in := []Ball{
		{Pos: Vec2{X: 0.25, Y: 0.75}, R: 0.025, Vel: Vec2{X: -0.1, Y: 0.5}},
		{Pos: Vec2{X: 0.9, Y: 1.5}, R: 0.025, Vel: Vec2{X: 0, Y: -9.8}},
	}
	raw := MarshalBalls(in)
	if len(raw) != len(in)*BallSize {
		t.Fatalf("len = %d, want %d", len(raw), len(in)*BallSize)
	}
	out := UnmarshalBalls(raw, len(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("ball %d: got %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestBallWireLayout(t *testing.T) {
	b := Ball{Pos: Vec2{X: 0.5, Y: 1.25}, R: 0.025, Vel: Vec2{X: -1, Y: 2}}
	raw := MarshalBalls([]Ball{b})

	want := []float32{0.5, 1.25, 0.025, -1, 2}
	for i, w := range want {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		if got := math.Float32frombits(bits); got != w {
			t.Fatalf("field %d = %v, want %v", i, got, w)
		}
	}
}

func TestUnmarshalBallsShortBuffer(t *testing.T) {
	raw := MarshalBalls([]Ball{{R: 0.025}})
	out := UnmarshalBalls(raw, 3)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
}

func TestSeedBallsAboveChamber(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	balls := SeedBalls(8, 1.5, rng)
	if len(balls) != 8 {
		t.Fatalf("len = %d", len(balls))
	}
	for i, b := range balls {
		if b.Pos.X < BallRadius || b.Pos.X > 1-BallRadius {
			t.Fatalf("ball %d x = %v out of range", i, b.Pos.X)
		}
		if b.Pos.Y < 1.5 {
			t.Fatalf("ball %d seeded inside chamber at y=%v", i, b.Pos.Y)
		}
		if b.R != BallRadius {
			t.Fatalf("ball %d r = %v", i, b.R)
		}
	}
}

func TestApplyGravityPullsDown(t *testing.T) {
	balls := []Ball{{Pos: Vec2{X: 0.5, Y: 1}, R: BallRadius}}
	ApplyGravity(balls, 0.1)
	if balls[0].Vel.Y >= 0 {
		t.Fatalf("vel.y = %v, want negative", balls[0].Vel.Y)
	}
	if balls[0].Pos.Y >= 1 {
		t.Fatalf("pos.y = %v, want below 1", balls[0].Pos.Y)
	}
	if balls[0].Pos.X != 0.5 {
		t.Fatalf("pos.x moved to %v", balls[0].Pos.X)
	}
}

func TestRespawnFallenRecyclesOnlyFallen(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	balls := []Ball{
		{Pos: Vec2{X: 0.5, Y: -0.2}, R: BallRadius, Vel: Vec2{Y: -3}},
		{Pos: Vec2{X: 0.4, Y: 0.6}, R: BallRadius, Vel: Vec2{Y: -1}},
	}
	RespawnFallen(balls, 1.0, rng)

	if balls[0].Pos.Y < 1.0 {
		t.Fatalf("fallen ball not recycled: y=%v", balls[0].Pos.Y)
	}
	if balls[0].Vel != (Vec2{}) {
		t.Fatalf("recycled ball keeps velocity %+v", balls[0].Vel)
	}
	if balls[1].Pos.Y != 0.6 || balls[1].Vel.Y != -1 {
		t.Fatalf("live ball disturbed: %+v", balls[1])
	}
}

func TestVerifyExports(t *testing.T) {
	ok := make(map[string]Sig, len(RequiredExports))
	for name, sig := range RequiredExports {
		ok[name] = sig
	}
	ok["extra"] = Sig{Results: []api.ValueType{api.ValueTypeI64}}
	if err := VerifyExports(ok); err != nil {
		t.Fatalf("verify: %v", err)
	}

	missing := make(map[string]Sig, len(RequiredExports))
	for name, sig := range RequiredExports {
		missing[name] = sig
	}
	delete(missing, "ballsMemory")
	if err := VerifyExports(missing); err == nil || !strings.Contains(err.Error(), "ballsMemory") {
		t.Fatalf("err = %v, want missing ballsMemory", err)
	}

	wrong := make(map[string]Sig, len(RequiredExports))
	for name, sig := range RequiredExports {
		wrong[name] = sig
	}
	wrong["step"] = Sig{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}}
	if err := VerifyExports(wrong); err == nil || !strings.Contains(err.Error(), "step") {
		t.Fatalf("err = %v, want step signature mismatch", err)
	}
}
