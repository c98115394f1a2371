package physics

import "math"

// Beats implements the rock/paper/scissors resolution table.
func Beats(a, b string) bool {
	switch a {
	case "rock":
		return b == "scissors"
	case "paper":
		return b == "rock"
	case "scissors":
		return b == "paper"
	}
	return false
}

// ResolveCollision applies the elimination/bounce table for one collision.
// In showdown mode every collision bounces, regardless of role. Otherwise,
// differing roles eliminate the loser; same roles bounce.
//
// Returns the index (into players) of the eliminated player, or -1 if the
// pair bounced instead.
func ResolveCollision(cfg Config, players []*Player, col Collision, showdown bool, g *LCG) int {
	a, b := players[col.I], players[col.J]

	if !showdown && a.Role != b.Role {
		if Beats(a.Role, b.Role) {
			b.Alive = false
			return col.J
		}
		a.Alive = false
		return col.I
	}

	bounce(cfg, a, b, g)
	return -1
}

// bounce pushes both players radially outward from their center of mass by
// bounceDist, retrying at largeBounceDist up to maxBounceRetries times if
// they remain overlapping; if the two positions are coincident, it pushes
// along a uniform random angle instead of a degenerate zero vector.
func bounce(cfg Config, a, b *Player, g *LCG) {
	dist := bounceDist
	for attempt := 0; attempt <= maxBounceRetries; attempt++ {
		pushApart(cfg, a, b, float64(dist), g)
		if a.Pos.DistTo(b.Pos) >= 2*cfg.PlayerRadius {
			return
		}
		dist = largeBounceDist
	}
}

func pushApart(cfg Config, a, b *Player, dist float64, g *LCG) {
	center := Vec2{X: (a.Pos.X + b.Pos.X) / 2, Y: (a.Pos.Y + b.Pos.Y) / 2}

	dirA := a.Pos.Sub(center)
	dirB := b.Pos.Sub(center)

	if dirA.Len() == 0 && dirB.Len() == 0 {
		theta := g.Range(0, 2*math.Pi)
		dirA = Vec2{X: math.Cos(theta), Y: math.Sin(theta)}
		dirB = dirA.Scale(-1)
	} else {
		dirA = normalize(dirA)
		dirB = normalize(dirB)
	}

	a.Pos = Clamp(cfg, a.Pos.Add(dirA.Scale(dist)))
	b.Pos = Clamp(cfg, b.Pos.Add(dirB.Scale(dist)))
}

func normalize(v Vec2) Vec2 {
	l := v.Len()
	if l == 0 {
		return Vec2{X: 1, Y: 0}
	}
	return v.Scale(1 / l)
}
