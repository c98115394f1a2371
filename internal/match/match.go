// Package match implements the per-match tick scheduler and lifecycle of
// spec.md §4.2: countdown, the fixed-rate simulation loop, the showdown
// sub-game, crash recovery, and settlement. State for a running match is
// owned exclusively by that match's goroutine; the gateway and lobby
// packages only ever reach in through Manager's message-passing methods or
// the Broadcaster it is given, per spec.md §9's ownership note.
package match

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/config"
	"github.com/rawblock/rps-arena/internal/engine"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/internal/store"
	"github.com/rawblock/rps-arena/pkg/models"
)

// seat is the in-memory simulation state for one seated player, layering
// connection/grace/showdown bookkeeping on top of physics.Player.
type seat struct {
	physics.Player
	UserID         string
	Wallet         string
	Connected      bool
	DisconnectedAt time.Time
	LastSeq        int64
	Pending        physics.Input
	HeartsCaptured int
	EliminatedBy   string
}

// liveMatch is the full in-memory state of one running match.
type liveMatch struct {
	mu sync.Mutex

	ID      string
	LobbyID int
	Status  models.MatchStatus

	cfg physics.Config
	rng *physics.LCG

	seats  []*seat
	hearts [3]physics.Heart

	showdown          bool
	showdownReadySent bool
	freezeUntil       time.Time
	tick              int64
	lastTickAt     time.Time
	consecutiveErr int

	cancel context.CancelFunc
}

func (lm *liveMatch) seatByUser(userID string) *seat {
	for _, s := range lm.seats {
		if s.UserID == userID {
			return s
		}
	}
	return nil
}

func (lm *liveMatch) aliveCount() int {
	n := 0
	for _, s := range lm.seats {
		if s.Alive {
			n++
		}
	}
	return n
}

func (lm *liveMatch) connectedAliveCount() int {
	n := 0
	for _, s := range lm.seats {
		if s.Alive && s.Connected {
			n++
		}
	}
	return n
}

// Manager owns every in-flight match and the dependencies needed to run
// one: storage, chain, alerting, and a handle back into the lobby/engine
// layer for starting, voiding and refunding.
type Manager struct {
	mu      sync.Mutex
	matches map[string]*liveMatch

	matchStore store.MatchStore
	payoutStore store.PayoutStore
	statsStore store.StatsStore
	userStore  store.UserStore
	lobbyStore store.LobbyStore

	chain    chain.Chain
	alertMgr *alerts.Manager
	out      Broadcaster
	eng      engine.Engine

	cfg config.Config
}

func NewManager(
	matchStore store.MatchStore,
	payoutStore store.PayoutStore,
	statsStore store.StatsStore,
	userStore store.UserStore,
	lobbyStore store.LobbyStore,
	ch chain.Chain,
	alertMgr *alerts.Manager,
	out Broadcaster,
	cfg config.Config,
) *Manager {
	return &Manager{
		matches:     make(map[string]*liveMatch),
		matchStore:  matchStore,
		payoutStore: payoutStore,
		statsStore:  statsStore,
		userStore:   userStore,
		lobbyStore:  lobbyStore,
		chain:       ch,
		alertMgr:    alertMgr,
		out:         out,
		cfg:         cfg,
	}
}

func (m *Manager) SetEngine(e engine.Engine) { m.eng = e }

// StartMatch implements engine.Engine.StartMatch: it is invoked once a
// lobby's third player joins. Preconditions and the balance check are
// rechecked under the lobby lock.
func (m *Manager) StartMatch(ctx context.Context, lobbyID int) error {
	release, err := m.eng.LobbyLock(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("match: acquiring lobby lock: %w", err)
	}
	defer release()

	lobby, err := m.lobbyStore.GetLobby(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("match: loading lobby %d: %w", lobbyID, err)
	}

	players, err := m.lobbyStore.ListLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("match: listing lobby players: %w", err)
	}
	var active []models.LobbyPlayer
	for _, p := range players {
		if p.Active() {
			active = append(active, p)
		}
	}
	if len(active) != 3 {
		return fmt.Errorf("match: lobby %d has %d active players, want 3", lobbyID, len(active))
	}

	balance, err := m.chain.BalanceOf(ctx, lobby.DepositAddress)
	if err != nil {
		return fmt.Errorf("match: reading lobby wallet balance: %w", err)
	}
	if balance.Cmp(big.NewInt(m.cfg.WinnerPayout)) < 0 {
		return fmt.Errorf("match: INSUFFICIENT_LOBBY_BALANCE for lobby %d", lobbyID)
	}

	seed, err := cryptoSeed()
	if err != nil {
		return fmt.Errorf("match: sampling rng seed: %w", err)
	}

	pcfg := m.cfg.PhysicsConfig()
	rng := physics.NewLCG(seed)
	roles := physics.ShuffleRoles(rng.SubSeed())
	spawns := physics.SpawnPoints(pcfg, rng.SubSeed())

	matchID := uuid.New().String()
	now := time.Now()

	matchRow := models.Match{
		ID:          matchID,
		LobbyID:     lobbyID,
		Status:      models.MatchCountdown,
		RNGSeed:     seed,
		CountdownAt: &now,
	}

	matchPlayers := make([]models.MatchPlayer, len(active))
	seats := make([]*seat, len(active))
	for i, lp := range active {
		user, err := m.userStore.GetUser(ctx, lp.UserID)
		if err != nil {
			return fmt.Errorf("match: resolving user %s: %w", lp.UserID, err)
		}
		matchPlayers[i] = models.MatchPlayer{
			MatchID: matchID,
			UserID:  lp.UserID,
			Role:    models.Role(roles[i]),
			SpawnX:  spawns[i].X,
			SpawnY:  spawns[i].Y,
		}
		seats[i] = &seat{
			Player: physics.Player{
				ID:    lp.UserID,
				Role:  roles[i],
				Pos:   spawns[i],
				Prev:  spawns[i],
				Alive: true,
			},
			UserID:    lp.UserID,
			Wallet:    user.Wallet,
			Connected: m.out.IsConnected(lp.UserID),
		}
	}

	if err := m.matchStore.CreateMatchWithPlayers(ctx, matchRow, matchPlayers); err != nil {
		return fmt.Errorf("match: creating match row: %w", err)
	}
	if err := m.lobbyStore.SetLobbyCurrentMatch(ctx, lobbyID, &matchID); err != nil {
		log.Printf("match: failed to set lobby %d current match: %v", lobbyID, err)
	}

	lm := &liveMatch{
		ID:      matchID,
		LobbyID: lobbyID,
		Status:  models.MatchCountdown,
		cfg:     pcfg,
		rng:     rng,
		seats:   seats,
	}

	m.mu.Lock()
	m.matches[matchID] = lm
	m.mu.Unlock()

	for _, s := range seats {
		m.out.SendTo(s.UserID, protocol.TypeRoleAssignment, protocol.RoleAssignmentPayload{Role: s.Role})
	}
	m.broadcastAll(lm, protocol.TypeMatchStarting, protocol.MatchStartingPayload{
		MatchID:         matchID,
		CountdownMillis: int64(m.cfg.CountdownSeconds) * 1000,
	})

	go m.runCountdown(lm)
	return nil
}

func (m *Manager) runCountdown(lm *liveMatch) {
	remaining := m.cfg.CountdownSeconds
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for remaining > 0 {
		<-ticker.C
		remaining--
		for _, s := range lm.seats {
			m.out.SendTo(s.UserID, protocol.TypeCountdown, protocol.CountdownPayload{RemainingMillis: int64(remaining) * 1000})
		}
	}

	lm.mu.Lock()
	for _, s := range lm.seats {
		if !s.Connected {
			s.Alive = false
			s.EliminatedBy = "disconnected_at_start"
		}
	}
	lm.Status = models.MatchRunning
	lm.lastTickAt = time.Now()
	lm.mu.Unlock()

	now := time.Now()
	if err := m.matchStore.UpdateMatchStatus(context.Background(), lm.ID, models.MatchRunning, now); err != nil {
		log.Printf("match: failed to record running status for %s: %v", lm.ID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lm.mu.Lock()
	lm.cancel = cancel
	lm.mu.Unlock()

	go m.runTickLoop(ctx, lm)
}

// HandleInput applies one client-supplied input to the named player's
// pending slot, to be consumed on the next tick. Out-of-order sequences
// (<= last accepted) are dropped; the last input received before a tick
// wins, with no buffering across ticks.
func (m *Manager) HandleInput(matchID, userID string, in physics.Input) {
	lm := m.get(matchID)
	if lm == nil {
		return
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	s := lm.seatByUser(userID)
	if s == nil || !s.Alive {
		return
	}
	if in.Sequence <= s.LastSeq {
		return
	}
	s.LastSeq = in.Sequence
	s.Pending = in
}

// SetConnected updates a seated player's liveness, used by the gateway on
// WebSocket open/close and by reconnection handling.
func (m *Manager) SetConnected(matchID, userID string, connected bool) {
	lm := m.get(matchID)
	if lm == nil {
		return
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	s := lm.seatByUser(userID)
	if s == nil {
		return
	}
	s.Connected = connected
	if !connected {
		s.DisconnectedAt = time.Now()
		for _, other := range lm.seats {
			if other.UserID != userID {
				m.out.SendTo(other.UserID, protocol.TypePlayerDisconnect, protocol.PlayerDisconnectPayload{
					PlayerID:       userID,
					GraceRemaining: int64(m.cfg.ReconnectGrace / time.Second),
				})
			}
		}
	} else {
		for _, other := range lm.seats {
			if other.UserID != userID {
				m.out.SendTo(other.UserID, protocol.TypePlayerReconnect, protocol.PlayerReconnectPayload{PlayerID: userID})
			}
		}
	}
}

// ReconnectState builds the RECONNECT_STATE payload for a player resuming
// an in-flight match.
func (m *Manager) ReconnectState(matchID, userID string) (protocol.ReconnectStatePayload, bool) {
	lm := m.get(matchID)
	if lm == nil {
		return protocol.ReconnectStatePayload{}, false
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	s := lm.seatByUser(userID)
	if s == nil {
		return protocol.ReconnectStatePayload{}, false
	}

	return protocol.ReconnectStatePayload{
		MatchID:  lm.ID,
		Role:     s.Role,
		Tick:     lm.tick,
		Players:  snapshotPlayers(lm),
		Hearts:   snapshotHearts(lm),
		Showdown: lm.showdown,
	}, true
}

// broadcastAll delivers msgType/payload to every seat in lm. The
// Broadcaster interface only addresses single users; match fans out
// itself since it is the only party that knows which three users belong
// to a given match.
func (m *Manager) broadcastAll(lm *liveMatch, msgType string, payload any) {
	for _, s := range lm.seats {
		m.out.SendTo(s.UserID, msgType, payload)
	}
}

func (m *Manager) get(matchID string) *liveMatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matches[matchID]
}

func (m *Manager) remove(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.matches, matchID)
}

func snapshotPlayers(lm *liveMatch) []protocol.PlayerSnapshot {
	out := make([]protocol.PlayerSnapshot, len(lm.seats))
	for i, s := range lm.seats {
		out[i] = protocol.PlayerSnapshot{
			ID:    s.UserID,
			X:     physics.Round2(s.Pos.X),
			Y:     physics.Round2(s.Pos.Y),
			Alive: s.Alive,
			Role:  s.Role,
		}
	}
	return out
}

func snapshotHearts(lm *liveMatch) []protocol.HeartSnapshot {
	if !lm.showdown {
		return nil
	}
	out := make([]protocol.HeartSnapshot, len(lm.hearts))
	for i, h := range lm.hearts {
		out[i] = protocol.HeartSnapshot{X: physics.Round2(h.Pos.X), Y: physics.Round2(h.Pos.Y), Captured: h.Captured}
	}
	return out
}

// ActiveMatchStaleness reports, for every match currently running, how
// long it has been since its last tick — the figure GET /api/health
// surfaces as per-active-match tick staleness.
func (m *Manager) ActiveMatchStaleness(now time.Time) map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]time.Duration, len(m.matches))
	for id, lm := range m.matches {
		lm.mu.Lock()
		if lm.Status == models.MatchRunning {
			out[id] = now.Sub(lm.lastTickAt)
		}
		lm.mu.Unlock()
	}
	return out
}

func cryptoSeed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

