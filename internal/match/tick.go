package match

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/internal/store"
	"github.com/rawblock/rps-arena/pkg/models"
)

// result describes how a match ended, feeding directly into settle.
type result struct {
	Void       bool
	VoidReason string
	WinnerID   string
	WinReason  string // "last_standing" | "showdown_winner" | "showdown_winner_tiebreak"
}

// runTickLoop drives the fixed-rate simulation for one match until it ends
// or ctx is cancelled (by settlement or a server shutdown). Each tick
// follows the exact ordering spec.md §4.2 requires: grace expirations,
// early win check, movement, collisions, showdown captures, elimination
// win check, then a snapshot broadcast at a rate independent of the tick
// rate.
func (m *Manager) runTickLoop(ctx context.Context, lm *liveMatch) {
	interval := time.Second / time.Duration(lm.cfg.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	snapshotEvery := 1.0
	if m.cfg.SnapshotRate > 0 {
		snapshotEvery = float64(lm.cfg.TickRate) / float64(m.cfg.SnapshotRate)
	}
	var snapshotAccum float64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snapshotAccum++
			broadcast := false
			if snapshotAccum >= snapshotEvery {
				snapshotAccum -= snapshotEvery
				broadcast = true
			}
			if m.runOneTick(lm, now, broadcast) {
				return
			}
		}
	}
}

// runOneTick runs one simulation step. It returns true once the match has
// been handed off to settlement (win or void) and the tick loop should
// stop.
func (m *Manager) runOneTick(lm *liveMatch, now time.Time, broadcast bool) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("match %s: tick panic: %v", lm.ID, r)
			lm.mu.Lock()
			exceeded := m.bumpTickError(lm, fmt.Errorf("panic: %v", r))
			lm.mu.Unlock()
			if exceeded {
				go m.settle(lm, result{Void: true, VoidReason: "critical_tick_error"})
				done = true
			}
		}
	}()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.Status != models.MatchRunning {
		return false
	}

	lm.tick++
	lm.lastTickAt = now

	m.applyGraceExpirations(lm, now)

	if res, ok := earlyVoidCheck(lm); ok {
		go m.settle(lm, res)
		return true
	}

	for _, s := range lm.seats {
		physics.Advance(lm.cfg, &s.Player, s.Pending)
	}

	m.processCollisions(lm, now)

	if lm.showdown && !now.Before(lm.freezeUntil) {
		if res, ok := m.processShowdownCaptures(lm); ok {
			go m.settle(lm, res)
			return true
		}
	} else if !lm.showdown {
		if res, ok := checkEliminationWin(lm); ok {
			go m.settle(lm, res)
			return true
		}
	}

	if broadcast {
		m.broadcastAll(lm, protocol.TypeSnapshot, protocol.SnapshotPayload{
			Tick:    lm.tick,
			Players: snapshotPlayers(lm),
		})
	}

	errsBefore := lm.consecutiveErr
	persistExceeded := false
	if lm.tick%m.cfg.PersistenceInterval == 0 {
		persistExceeded = m.persist(lm)
	}
	if persistExceeded {
		go m.settle(lm, result{Void: true, VoidReason: "critical_tick_error"})
		return true
	}

	if lm.consecutiveErr == errsBefore {
		lm.consecutiveErr = 0
	}
	return false
}

// applyGraceExpirations eliminates any player whose disconnect grace
// period has elapsed. The check runs inside the tick, comparing the tick's
// wall-clock timestamp with the wall-clock time the seat disconnected.
func (m *Manager) applyGraceExpirations(lm *liveMatch, now time.Time) {
	for _, s := range lm.seats {
		if !s.Alive || s.Connected || s.DisconnectedAt.IsZero() {
			continue
		}
		if now.Sub(s.DisconnectedAt) < m.cfg.ReconnectGrace {
			continue
		}
		s.Alive = false
		s.EliminatedBy = "disconnect_timeout"
		m.broadcastAll(lm, protocol.TypeElimination, protocol.EliminationPayload{
			EliminatedID: s.UserID,
			ByID:         "",
			Tick:         lm.tick,
		})
		m.recordEliminationAsync(lm.ID, s.UserID, "disconnect_timeout", s.Pos)
	}
}

// recordEliminationAsync writes the elimination to durable storage off the
// tick's critical path; the in-memory seat state and client broadcast
// already reflect it, so a slow or failing write here only risks a
// stale audit row, not an incorrect live match.
func (m *Manager) recordEliminationAsync(matchID, userID, by string, pos physics.Vec2) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.matchStore.RecordElimination(ctx, matchID, userID, by, pos.X, pos.Y, time.Now()); err != nil {
			log.Printf("match %s: failed to record elimination for %s: %v", matchID, userID, err)
		}
	}()
}

// earlyVoidCheck handles the case where grace expirations alone already
// resolved or voided the match before any movement happens this tick:
// zero connected-alive players among >=2 alive is a mass disconnect void,
// and <=1 alive player is a normal win without needing collision
// processing.
func earlyVoidCheck(lm *liveMatch) (result, bool) {
	alive := lm.aliveCount()
	if alive >= 2 && lm.connectedAliveCount() == 0 {
		return result{Void: true, VoidReason: "mass_disconnect"}, true
	}
	if !lm.showdown && alive <= 1 {
		return winnerResult(lm), true
	}
	return result{}, false
}

func checkEliminationWin(lm *liveMatch) (result, bool) {
	if lm.aliveCount() <= 1 {
		return winnerResult(lm), true
	}
	return result{}, false
}

func winnerResult(lm *liveMatch) result {
	for _, s := range lm.seats {
		if s.Alive {
			return result{WinnerID: s.UserID, WinReason: "last_standing"}
		}
	}
	return result{Void: true, VoidReason: "no_survivors"}
}

func playersOf(seats []*seat) []*physics.Player {
	out := make([]*physics.Player, len(seats))
	for i, s := range seats {
		out[i] = &s.Player
	}
	return out
}

// processCollisions detects and resolves all collisions for this tick. A
// resolved elimination also triggers a showdown entry the instant exactly
// two players remain alive; every collision during an active showdown
// bounces instead of eliminating, per physics.ResolveCollision's showdown
// branch.
func (m *Manager) processCollisions(lm *liveMatch, now time.Time) {
	players := playersOf(lm.seats)
	cols := physics.DetectCollisions(lm.cfg, players)

	for _, col := range cols {
		eliminatedIdx := physics.ResolveCollision(lm.cfg, players, col, lm.showdown, lm.rng)
		if eliminatedIdx < 0 {
			m.broadcastAll(lm, protocol.TypeBounce, protocol.BouncePayload{
				AID:  lm.seats[col.I].UserID,
				BID:  lm.seats[col.J].UserID,
				Tick: lm.tick,
			})
			continue
		}

		byIdx := col.I
		if eliminatedIdx == col.I {
			byIdx = col.J
		}
		lm.seats[eliminatedIdx].EliminatedBy = lm.seats[byIdx].UserID
		m.broadcastAll(lm, protocol.TypeElimination, protocol.EliminationPayload{
			EliminatedID: lm.seats[eliminatedIdx].UserID,
			ByID:         lm.seats[byIdx].UserID,
			Tick:         lm.tick,
		})
		m.recordEliminationAsync(lm.ID, lm.seats[eliminatedIdx].UserID, lm.seats[byIdx].UserID, lm.seats[eliminatedIdx].Pos)
	}

	if !lm.showdown && lm.aliveCount() == 2 {
		m.enterShowdown(lm, now)
	}
}

// persistedState is the JSON body stored alongside each MatchState row,
// enough to resume a tick loop after a crash without replaying input
// history.
type persistedState struct {
	Seats    []persistedSeat `json:"seats"`
	Hearts   [3]physics.Heart `json:"hearts,omitempty"`
	Showdown bool            `json:"showdown"`
	RNGState uint64          `json:"rngState"`
}

type persistedSeat struct {
	UserID         string      `json:"userId"`
	Role           string      `json:"role"`
	Pos            physics.Vec2 `json:"pos"`
	Alive          bool        `json:"alive"`
	HeartsCaptured int         `json:"heartsCaptured"`
}

// persist writes the tick's recovery snapshot and reports whether a
// failure here pushed the consecutive-error budget over its limit, so the
// caller can void the match exactly as it would for a tick panic instead
// of silently resetting the error count on the next clean tick.
func (m *Manager) persist(lm *liveMatch) bool {
	ps := persistedState{Hearts: lm.hearts, Showdown: lm.showdown, RNGState: lm.rng.State()}
	for _, s := range lm.seats {
		ps.Seats = append(ps.Seats, persistedSeat{
			UserID: s.UserID, Role: s.Role, Pos: s.Pos, Alive: s.Alive, HeartsCaptured: s.HeartsCaptured,
		})
	}

	state, err := store.BuildMatchState(lm.ID, lm.tick, lm.Status, ps)
	if err != nil {
		log.Printf("match %s: building persisted state: %v", lm.ID, err)
		return m.bumpTickError(lm, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.matchStore.SaveMatchState(ctx, state); err != nil {
		return m.bumpTickError(lm, err)
	}
	return false
}

// bumpTickError classifies err via the chain package's transient/permanent
// taxonomy (the same heuristic used for RPC errors, generalized here to
// any tick-time error) and reports whether the consecutive-error budget
// has been exceeded and the match must be voided.
func (m *Manager) bumpTickError(lm *liveMatch, err error) bool {
	if chain.Classify(err) == chain.ClassPermanent {
		return true
	}
	lm.consecutiveErr++
	if lm.consecutiveErr >= m.cfg.MaxConsecutiveTickErrors {
		return true
	}
	log.Printf("match %s: transient tick error (%d/%d): %v",
		lm.ID, lm.consecutiveErr, m.cfg.MaxConsecutiveTickErrors, err)
	return false
}
