package match

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
)

const showdownFreeze = 3 * time.Second

// enterShowdown is called the instant elimination leaves exactly two
// players alive. Hearts are generated immediately but captures don't count
// until the freeze elapses, giving both survivors a fair instant to
// orient before the sub-game starts scoring.
func (m *Manager) enterShowdown(lm *liveMatch, now time.Time) {
	lm.showdown = true
	lm.hearts = physics.SpawnHearts(lm.cfg, lm.rng.SubSeed())
	lm.freezeUntil = now.Add(showdownFreeze)

	m.broadcastAll(lm, protocol.TypeShowdownStart, protocol.ShowdownStartPayload{
		Hearts: snapshotHearts(lm),
	})
}

// processShowdownCaptures checks every alive seat's motion this tick
// against every uncaptured heart, applies captures, and reports a winner
// once a seat reaches ShowdownHeartsToWin. On the freeze's first post-
// freeze tick it also emits SHOWDOWN_READY.
func (m *Manager) processShowdownCaptures(lm *liveMatch) (result, bool) {
	if !lm.showdownReadySent {
		lm.showdownReadySent = true
		m.broadcastAll(lm, protocol.TypeShowdownReady, protocol.ShowdownReadyPayload{Tick: lm.tick})
	}

	for hi := range lm.hearts {
		heart := &lm.hearts[hi]
		if heart.Captured {
			continue
		}
		for _, s := range lm.seats {
			if !s.Alive {
				continue
			}
			target := physics.Vec2{X: s.Pending.TargetX, Y: s.Pending.TargetY}
			if physics.CaptureHeart(lm.cfg, s.Prev, s.Pos, target, s.Pending.IsBot, heart) {
				heart.Captured = true
				s.HeartsCaptured++
				m.broadcastAll(lm, protocol.TypeHeartCaptured, protocol.HeartCapturedPayload{
					PlayerID:   s.UserID,
					HeartIndex: hi,
				})
				break
			}
		}
	}

	threshold := m.cfg.ShowdownHeartsToWin
	var atThreshold []*seat
	for _, s := range lm.seats {
		if s.Alive && s.HeartsCaptured >= threshold {
			atThreshold = append(atThreshold, s)
		}
	}

	switch len(atThreshold) {
	case 0:
		return result{}, false
	case 1:
		return result{WinnerID: atThreshold[0].UserID, WinReason: "showdown_winner"}, true
	default:
		winner := atThreshold[pickRandomIndex(len(atThreshold))]
		return result{WinnerID: winner.UserID, WinReason: "showdown_winner_tiebreak"}, true
	}
}

// pickRandomIndex draws a uniform index in [0, n) from crypto/rand. The
// simultaneous-threshold tiebreak is rare enough (both survivors capturing
// their final heart in the same tick) that it isn't worth burning the
// match's deterministic LCG stream on; a true random draw keeps the
// outcome unbiased and unreplayable, which is fine for the one case that
// has no deterministic "first" to prefer.
func pickRandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
