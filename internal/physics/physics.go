// Package physics implements the deterministic, pure simulation step for
// the arena: movement, swept-circle collisions, role resolution, bounce,
// and spawn placement. Nothing in this package performs I/O or holds
// mutable package-level state; every function is a pure mapping from
// inputs to outputs so that the same seed and input log reproduce
// bit-identical results on any implementation.
package physics

import "math"

// Config holds the tunable arena constants. Zero-value Config is invalid;
// use DefaultConfig or a value sourced from internal/config.
type Config struct {
	ArenaWidth   float64
	ArenaHeight  float64
	PlayerRadius float64
	MaxSpeed     float64
	TickRate     int
}

// MaxStep is the maximum per-axis displacement in one tick.
func (c Config) MaxStep() float64 {
	return c.MaxSpeed / float64(c.TickRate)
}

// DefaultConfig matches spec.md §4.1's defaults.
var DefaultConfig = Config{
	ArenaWidth:   1600,
	ArenaHeight:  900,
	PlayerRadius: 22,
	MaxSpeed:     450,
	TickRate:     30,
}

const (
	bounceDist      = 10
	largeBounceDist = 25
	maxBounceRetries = 2
	minSpawnDistance = 150
	minHeartSpacing  = 50
	heartRadius      = 14
	heartPadding     = 60
)

// Vec2 is a 2D point/vector.
type Vec2 struct {
	X, Y float64
}

func (v Vec2) Sub(o Vec2) Vec2  { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Add(o Vec2) Vec2  { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) Len() float64     { return math.Sqrt(v.X*v.X + v.Y*v.Y) }
func (v Vec2) DistTo(o Vec2) float64 { return v.Sub(o).Len() }

// Input carries one player's per-tick intent. Exactly one of (Dir) or
// (Target) applies, selected by IsBot.
type Input struct {
	Sequence int64
	IsBot    bool
	DirX     int // -1, 0, 1
	DirY     int // -1, 0, 1
	TargetX  float64
	TargetY  float64
	Frozen   bool
}

// Player is the mutable per-tick simulation state for one combatant.
type Player struct {
	ID      string
	Role    string // "rock" | "paper" | "scissors"
	Pos     Vec2
	Prev    Vec2
	Alive   bool
	Frozen  bool
}

// Clamp restricts a position to the arena interior, accounting for radius.
func Clamp(cfg Config, p Vec2) Vec2 {
	return Vec2{
		X: clampF(p.X, cfg.PlayerRadius, cfg.ArenaWidth-cfg.PlayerRadius),
		Y: clampF(p.Y, cfg.PlayerRadius, cfg.ArenaHeight-cfg.PlayerRadius),
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Advance moves one player according to its input, mutating Prev/Pos.
// Frozen players never move. Humans move along a fixed-direction vector;
// bots move at most MaxStep toward a target point.
func Advance(cfg Config, p *Player, in Input) {
	p.Prev = p.Pos
	if p.Frozen || !p.Alive {
		return
	}

	step := cfg.MaxStep()

	if in.IsBot {
		target := Vec2{X: clampF(in.TargetX, cfg.PlayerRadius, cfg.ArenaWidth-cfg.PlayerRadius),
			Y: clampF(in.TargetY, cfg.PlayerRadius, cfg.ArenaHeight-cfg.PlayerRadius)}
		delta := target.Sub(p.Pos)
		dist := delta.Len()
		if dist <= step || dist == 0 {
			p.Pos = target
		} else {
			p.Pos = p.Pos.Add(delta.Scale(step / dist))
		}
	} else {
		dir := Vec2{X: float64(clampDir(in.DirX)), Y: float64(clampDir(in.DirY))}
		p.Pos = p.Pos.Add(dir.Scale(step))
	}

	p.Pos = Clamp(cfg, p.Pos)
}

func clampDir(d int) int {
	if d < -1 {
		return -1
	}
	if d > 1 {
		return 1
	}
	return d
}

// Collision records one detected collision pair for this tick, in
// insertion order (i < j over the original player slice).
type Collision struct {
	I, J int
}

// DetectCollisions returns every colliding unordered pair of alive players,
// using endpoint-overlap and swept-circle tests. Iteration is i<j in the
// original slice order, required for deterministic replay.
func DetectCollisions(cfg Config, players []*Player) []Collision {
	twoR := 2 * cfg.PlayerRadius
	twoR2 := twoR * twoR

	var out []Collision
	for i := 0; i < len(players); i++ {
		if !players[i].Alive {
			continue
		}
		for j := i + 1; j < len(players); j++ {
			if !players[j].Alive {
				continue
			}
			if endpointOverlap(players[i].Pos, players[j].Pos, twoR) ||
				sweptOverlap(players[i].Prev, players[i].Pos, players[j].Prev, players[j].Pos, twoR2) {
				out = append(out, Collision{I: i, J: j})
			}
		}
	}
	return out
}

func endpointOverlap(a, b Vec2, twoR float64) bool {
	return a.DistTo(b) <= twoR
}

// sweptOverlap solves the quadratic in t in [0,1] for the squared distance
// between the two players' motion segments vs (2r)^2, catching
// pass-through collisions that only the endpoint check would miss.
func sweptOverlap(aPrev, aCur, bPrev, bCur Vec2, twoR2 float64) bool {
	// Relative position and relative velocity over the tick.
	relPos := aPrev.Sub(bPrev)
	relVel := aCur.Sub(aPrev).Sub(bCur.Sub(bPrev))

	a := relVel.X*relVel.X + relVel.Y*relVel.Y
	b := 2 * (relPos.X*relVel.X + relPos.Y*relVel.Y)
	c := relPos.X*relPos.X + relPos.Y*relPos.Y - twoR2

	if c <= 0 {
		return true // already overlapping at t=0
	}
	if a == 0 {
		return false // no relative motion, endpoint check already covers it
	}

	disc := b*b - 4*a*c
	if disc < 0 {
		return false
	}
	sqrtDisc := math.Sqrt(disc)
	t1 := (-b - sqrtDisc) / (2 * a)
	t2 := (-b + sqrtDisc) / (2 * a)

	lo, hi := t1, t2
	if lo > hi {
		lo, hi = hi, lo
	}
	// Collision occurs if any root lands within [0,1].
	return (lo >= 0 && lo <= 1) || (hi >= 0 && hi <= 1) || (lo < 0 && hi > 1)
}
