package physics

import "math"

const spawnPadding = 100
const spawnMaxAttempts = 200

// SpawnPoints samples three positions inside an inner padding with
// rejection sampling enforcing minSpawnDistance between every pair,
// falling back to an equilateral triangle of radius 150 around the arena
// center if rejection sampling fails to converge.
func SpawnPoints(cfg Config, seed uint64) [3]Vec2 {
	g := NewLCG(seed)

	minX, maxX := cfg.PlayerRadius+spawnPadding, cfg.ArenaWidth-cfg.PlayerRadius-spawnPadding
	minY, maxY := cfg.PlayerRadius+spawnPadding, cfg.ArenaHeight-cfg.PlayerRadius-spawnPadding

	var pts [3]Vec2
	for attempt := 0; attempt < spawnMaxAttempts; attempt++ {
		ok := true
		var candidate [3]Vec2
		for i := 0; i < 3; i++ {
			p := Vec2{X: g.Range(minX, maxX), Y: g.Range(minY, maxY)}
			for k := 0; k < i; k++ {
				if p.DistTo(candidate[k]) < minSpawnDistance {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
			candidate[i] = p
		}
		if ok {
			pts = candidate
			return pts
		}
	}

	// Fallback: equilateral triangle of radius 150 around the arena center.
	cx, cy := cfg.ArenaWidth/2, cfg.ArenaHeight/2
	const triRadius = 150
	for i := 0; i < 3; i++ {
		theta := float64(i) * (2 * math.Pi / 3)
		pts[i] = Vec2{
			X: cx + triRadius*math.Cos(theta),
			Y: cy + triRadius*math.Sin(theta),
		}
	}
	return pts
}

// Heart is a capturable point in the showdown sub-game.
type Heart struct {
	Pos      Vec2
	Captured bool
}

// SpawnHearts places three hearts with minimum pairwise spacing, padded
// from the arena edges.
func SpawnHearts(cfg Config, seed uint64) [3]Heart {
	g := NewLCG(seed)

	minX, maxX := float64(heartRadius+heartPadding), cfg.ArenaWidth-heartRadius-heartPadding
	minY, maxY := float64(heartRadius+heartPadding), cfg.ArenaHeight-heartRadius-heartPadding

	var hearts [3]Heart
	for attempt := 0; attempt < spawnMaxAttempts; attempt++ {
		ok := true
		var candidate [3]Vec2
		for i := 0; i < 3; i++ {
			p := Vec2{X: g.Range(minX, maxX), Y: g.Range(minY, maxY)}
			for k := 0; k < i; k++ {
				if p.DistTo(candidate[k]) < minHeartSpacing {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
			candidate[i] = p
		}
		if ok {
			for i := range candidate {
				hearts[i] = Heart{Pos: candidate[i]}
			}
			return hearts
		}
	}

	// Degenerate fallback: spread along the diagonal with fixed spacing.
	for i := range hearts {
		hearts[i] = Heart{Pos: Vec2{X: minX + float64(i)*minHeartSpacing*2, Y: minY + float64(i)*minHeartSpacing}}
	}
	return hearts
}

// CaptureHeart reports whether the player's motion this tick brings it
// within player_radius+heart_radius of an uncaptured heart. Three tests are
// applied, any of which is sufficient: the post-move distance, the
// pre-move target distance minus the reachable step (so a bot whose target
// sits just past the heart still captures it rather than overshooting by a
// tick), and the closest point on the prev→current motion segment (the
// swept test, catching pass-through at high speed).
func CaptureHeart(cfg Config, prev, cur Vec2, target Vec2, hasTarget bool, heart *Heart) bool {
	if heart.Captured {
		return false
	}
	threshold := cfg.PlayerRadius + heartRadius

	if cur.DistTo(heart.Pos) <= threshold {
		return true
	}
	if hasTarget {
		step := cfg.MaxStep()
		if target.DistTo(heart.Pos)-step <= threshold {
			return true
		}
	}
	if closestPointOnSegment(prev, cur, heart.Pos).DistTo(heart.Pos) <= threshold {
		return true
	}
	return false
}

func closestPointOnSegment(a, b, p Vec2) Vec2 {
	ab := b.Sub(a)
	abLen2 := ab.X*ab.X + ab.Y*ab.Y
	if abLen2 == 0 {
		return a
	}
	t := ((p.X-a.X)*ab.X + (p.Y-a.Y)*ab.Y) / abLen2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return a.Add(ab.Scale(t))
}
