package match

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/config"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/pkg/models"
)

// fakeMatchStore is a minimal in-memory store.MatchStore double.
type fakeMatchStore struct {
	mu sync.Mutex

	match         models.Match
	eliminations  int
	states        []models.MatchState
	deletedStates []string
	saveErr       error
}

func (f *fakeMatchStore) CreateMatchWithPlayers(ctx context.Context, m models.Match, players []models.MatchPlayer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match = m
	return nil
}
func (f *fakeMatchStore) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.match, nil
}
func (f *fakeMatchStore) UpdateMatchStatus(ctx context.Context, matchID string, status models.MatchStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match.Status = status
	return nil
}
func (f *fakeMatchStore) RecordElimination(ctx context.Context, matchID, userID, by string, finalX, finalY float64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eliminations++
	return nil
}
func (f *fakeMatchStore) SetMatchWinner(ctx context.Context, matchID, winnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match.WinnerID = &winnerID
	return nil
}
func (f *fakeMatchStore) AppendMatchEvent(ctx context.Context, ev models.MatchEvent) error { return nil }
func (f *fakeMatchStore) SaveMatchState(ctx context.Context, st models.MatchState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.states = append(f.states, st)
	return nil
}
func (f *fakeMatchStore) GetMatchState(ctx context.Context, matchID string) (models.MatchState, error) {
	return models.MatchState{}, errors.New("not found")
}
func (f *fakeMatchStore) DeleteMatchState(ctx context.Context, matchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedStates = append(f.deletedStates, matchID)
	return nil
}
func (f *fakeMatchStore) GetInterruptedMatches(ctx context.Context) ([]models.Match, error) {
	return nil, nil
}
func (f *fakeMatchStore) GetMatchPlayers(ctx context.Context, matchID string) ([]models.MatchPlayer, error) {
	return nil, nil
}

// fakePayoutStore is a minimal store.PayoutStore double, configurable to
// fail the transfer (via fakeChain) path.
type fakePayoutStore struct {
	mu        sync.Mutex
	attempts  []models.PayoutAttempt
	finalized bool
}

func (f *fakePayoutStore) CreatePayoutAttempt(ctx context.Context, p models.PayoutAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, p)
	return nil
}
func (f *fakePayoutStore) MarkPayoutSuccess(ctx context.Context, id, txHash string) error { return nil }
func (f *fakePayoutStore) MarkPayoutFailed(ctx context.Context, id, errType, errMsg string) error {
	return nil
}
func (f *fakePayoutStore) CountPayoutAttempts(ctx context.Context, matchID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts), nil
}
func (f *fakePayoutStore) FinalizeMatchPayout(ctx context.Context, matchID string, lobbyID int, payoutAmount int64, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = true
	return nil
}

// fakeStatsStore is a minimal store.StatsStore double.
type fakeStatsStore struct {
	mu      sync.Mutex
	records int
}

func (f *fakeStatsStore) RecordMatchResult(ctx context.Context, lobbyBuyIn int64, winnerWallet string, loserWallets []string, allWallets []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
	return nil
}
func (f *fakeStatsStore) GetPlayerStats(ctx context.Context, wallet string) (models.PlayerStats, error) {
	return models.PlayerStats{}, nil
}
func (f *fakeStatsStore) RebuildPlayerStats(ctx context.Context, wallet string) (models.PlayerStats, error) {
	return models.PlayerStats{}, nil
}

// fakeUserStore resolves any id/wallet to a deterministic user.
type fakeUserStore struct{}

func (fakeUserStore) GetOrCreateUser(ctx context.Context, wallet string) (models.User, error) {
	return models.User{ID: "user-" + wallet, Wallet: wallet}, nil
}
func (fakeUserStore) GetUser(ctx context.Context, id string) (models.User, error) {
	return models.User{ID: id, Wallet: "0x" + id}, nil
}

// fakeLobbyStore is a minimal store.LobbyStore double fixed to one lobby.
type fakeLobbyStore struct {
	mu    sync.Mutex
	lobby models.Lobby
}

func (f *fakeLobbyStore) GetLobby(ctx context.Context, id int) (models.Lobby, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lobby, nil
}
func (f *fakeLobbyStore) ListLobbies(ctx context.Context) ([]models.Lobby, error) {
	return []models.Lobby{f.lobby}, nil
}
func (f *fakeLobbyStore) ListLobbyPlayers(ctx context.Context, lobbyID int) ([]models.LobbyPlayer, error) {
	return nil, nil
}
func (f *fakeLobbyStore) FindActiveLobbyForUser(ctx context.Context, userID string) (models.Lobby, bool, error) {
	return models.Lobby{}, false, nil
}
func (f *fakeLobbyStore) JoinLobby(ctx context.Context, lobbyID int, userID, txHash string, seatCount int) (models.Lobby, error) {
	return models.Lobby{}, nil
}
func (f *fakeLobbyStore) SetLobbyTimeout(ctx context.Context, lobbyID int, at time.Time) error {
	return nil
}
func (f *fakeLobbyStore) SetLobbyCurrentMatch(ctx context.Context, lobbyID int, matchID *string) error {
	return nil
}
func (f *fakeLobbyStore) RefundLobbyPlayer(ctx context.Context, lobbyID int, userID, txHash, reason string) error {
	return nil
}
func (f *fakeLobbyStore) ResetLobby(ctx context.Context, lobbyID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lobby.Status = models.LobbyEmpty
	return nil
}
func (f *fakeLobbyStore) IncrementRefundAttempt(ctx context.Context, lobbyID int, userID string) (int, error) {
	return 1, nil
}
func (f *fakeLobbyStore) EnsureLobbies(ctx context.Context, addresses []string, encryptedKeys [][]byte) error {
	return nil
}

// fakeChain is a minimal chain.Chain double; transferErr, when set, makes
// every Transfer call fail (to exercise the payout-failure path).
type fakeChain struct {
	mu         sync.Mutex
	balance    *big.Int
	transferErr error
	transfers  []string
}

func (c *fakeChain) GetReceipt(ctx context.Context, txHash string) (chain.Receipt, error) {
	return chain.Receipt{TxHash: txHash, Status: true, Confirmations: 5}, nil
}
func (c *fakeChain) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balance == nil {
		return big.NewInt(10_000_000), nil
	}
	return c.balance, nil
}
func (c *fakeChain) Transfer(ctx context.Context, walletIndex uint32, recipient string, amount *big.Int, nonce uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transferErr != nil {
		return "", c.transferErr
	}
	tx := "0xpayout" + recipient
	c.transfers = append(c.transfers, tx)
	return tx, nil
}
func (c *fakeChain) NextNonce(ctx context.Context, walletIndex uint32) (uint64, error) { return 0, nil }
func (c *fakeChain) TransfersTo(ctx context.Context, address string, fromBlock uint64) ([]chain.Transfer, error) {
	return nil, nil
}
func (c *fakeChain) TransfersFrom(ctx context.Context, address string, fromBlock uint64) ([]chain.Transfer, error) {
	return nil, nil
}
func (c *fakeChain) LatestBlock(ctx context.Context) (uint64, error) { return 100, nil }

// fakeEngine is a no-op engine.Engine double recording refund calls.
type fakeEngine struct {
	mu           sync.Mutex
	refundCalled int
	refundReason string
}

func (e *fakeEngine) StartMatch(ctx context.Context, lobbyID int) error { return nil }
func (e *fakeEngine) VoidMatch(ctx context.Context, matchID string, reason string) error { return nil }
func (e *fakeEngine) LobbyLock(ctx context.Context, lobbyID int) (func(), error) {
	return func() {}, nil
}
func (e *fakeEngine) ProcessLobbyRefund(ctx context.Context, lobbyID int, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refundCalled++
	e.refundReason = reason
	return nil
}

// fakeBroadcaster records every message sent, keyed by user id, and tracks
// liveness independent of the match's own seat bookkeeping.
type fakeBroadcaster struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentMsg
}

type sentMsg struct {
	UserID  string
	Type    string
	Payload any
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{connected: make(map[string]bool)}
}

func (b *fakeBroadcaster) SendTo(userID string, msgType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMsg{UserID: userID, Type: msgType, Payload: payload})
}
func (b *fakeBroadcaster) IsConnected(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[userID]
}
func (b *fakeBroadcaster) setConnected(userID string, v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected[userID] = v
}
func (b *fakeBroadcaster) countType(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.sent {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func testConfig() config.Config {
	return config.Config{
		ArenaWidth:               1600,
		ArenaHeight:              900,
		PlayerRadius:             22,
		MaxSpeed:                 450,
		TickRate:                 30,
		SnapshotRate:             30,
		CountdownSeconds:         3,
		ReconnectGrace:           30 * time.Second,
		PersistenceInterval:      5,
		ShowdownHeartsToWin:      2,
		MaxConsecutiveTickErrors: 3,
		SettlementGrace:          50 * time.Millisecond,
		BuyIn:                    1_000_000,
		WinnerPayout:             2_400_000,
		TreasuryCut:              600_000,
	}
}

// testManager wires a Manager to fresh fakes for three seated players
// alice, bob, carol with roles rock/paper/scissors respectively.
func testManager() (*Manager, *fakeMatchStore, *fakePayoutStore, *fakeChain, *fakeEngine, *fakeBroadcaster) {
	ms := &fakeMatchStore{}
	ps := &fakePayoutStore{}
	ss := &fakeStatsStore{}
	ls := &fakeLobbyStore{lobby: models.Lobby{ID: 1, Status: models.LobbyInProgress, DepositAddress: "0xdeposit"}}
	ch := &fakeChain{}
	out := newFakeBroadcaster()

	m := NewManager(ms, ps, ss, fakeUserStore{}, ls, ch, alerts.NewManager(nil), out, testConfig())
	eng := &fakeEngine{}
	m.SetEngine(eng)
	return m, ms, ps, ch, eng, out
}

// seatedMatch builds a liveMatch with three alive seats in countdown-won
// roles, registers it on m, and returns it alongside the seat user ids.
func seatedMatch(m *Manager, cfg config.Config) (*liveMatch, []string) {
	ids := []string{"alice", "bob", "carol"}
	roles := []string{"rock", "paper", "scissors"}
	seats := make([]*seat, 3)
	for i, id := range ids {
		seats[i] = &seat{
			Player: physics.Player{
				ID:    id,
				Role:  roles[i],
				Pos:   physics.Vec2{X: 100 + float64(i)*300, Y: 450},
				Prev:  physics.Vec2{X: 100 + float64(i)*300, Y: 450},
				Alive: true,
			},
			UserID:    id,
			Wallet:    "0x" + id,
			Connected: true,
		}
	}
	lm := &liveMatch{
		ID:      "match-1",
		LobbyID: 1,
		Status:  models.MatchRunning,
		cfg:     cfg.PhysicsConfig(),
		rng:     physics.NewLCG(42),
		seats:   seats,
	}
	m.mu.Lock()
	m.matches[lm.ID] = lm
	m.mu.Unlock()
	return lm, ids
}

func TestHandleInputDropsOutOfOrderSequence(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	lm, ids := seatedMatch(m, testConfig())

	m.HandleInput(lm.ID, ids[0], physics.Input{Sequence: 5, DirX: 1})
	s := lm.seatByUser(ids[0])
	if s.LastSeq != 5 || s.Pending.DirX != 1 {
		t.Fatalf("expected input 5 applied, got seq=%d dirX=%d", s.LastSeq, s.Pending.DirX)
	}

	m.HandleInput(lm.ID, ids[0], physics.Input{Sequence: 3, DirX: -1})
	if s.LastSeq != 5 || s.Pending.DirX != 1 {
		t.Errorf("expected stale sequence 3 dropped, got seq=%d dirX=%d", s.LastSeq, s.Pending.DirX)
	}

	m.HandleInput(lm.ID, ids[0], physics.Input{Sequence: 6, DirY: -1})
	if s.LastSeq != 6 || s.Pending.DirY != -1 {
		t.Errorf("expected sequence 6 applied, got seq=%d dirY=%d", s.LastSeq, s.Pending.DirY)
	}
}

func TestHandleInputIgnoresUnknownMatchOrDeadSeat(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	lm, ids := seatedMatch(m, testConfig())

	// Unknown match id: must not panic.
	m.HandleInput("no-such-match", ids[0], physics.Input{Sequence: 1})

	s := lm.seatByUser(ids[0])
	s.Alive = false
	m.HandleInput(lm.ID, ids[0], physics.Input{Sequence: 1, DirX: 1})
	if s.LastSeq != 0 {
		t.Errorf("expected input to eliminated seat dropped, got LastSeq=%d", s.LastSeq)
	}
}

func TestSetConnectedBroadcastsToOtherSeatsOnly(t *testing.T) {
	m, _, _, _, _, out := testManager()
	lm, ids := seatedMatch(m, testConfig())

	m.SetConnected(lm.ID, ids[0], false)
	s := lm.seatByUser(ids[0])
	if s.Connected {
		t.Errorf("expected seat marked disconnected")
	}
	if s.DisconnectedAt.IsZero() {
		t.Errorf("expected DisconnectedAt stamped")
	}

	for _, msg := range out.sent {
		if msg.UserID == ids[0] {
			t.Errorf("disconnected player should not receive its own disconnect broadcast")
		}
	}
	if got := out.countType("PLAYER_DISCONNECT"); got != 2 {
		t.Errorf("expected 2 player_disconnect sends (to the other two seats), got %d", got)
	}

	m.SetConnected(lm.ID, ids[0], true)
	if !s.Connected {
		t.Errorf("expected seat marked reconnected")
	}
	if got := out.countType("PLAYER_RECONNECT"); got != 2 {
		t.Errorf("expected 2 player_reconnect sends, got %d", got)
	}
}

func TestSetConnectedUnknownMatchOrSeatIsNoop(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	_, ids := seatedMatch(m, testConfig())

	m.SetConnected("no-such-match", ids[0], false) // must not panic
	m.SetConnected("match-1", "nobody", false)     // must not panic
}

func TestReconnectStateReturnsPayloadForSeatedPlayer(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	lm, ids := seatedMatch(m, testConfig())
	lm.tick = 77

	payload, ok := m.ReconnectState(lm.ID, ids[1])
	if !ok {
		t.Fatalf("expected ok=true for a seated player")
	}
	if payload.MatchID != lm.ID || payload.Tick != 77 || payload.Role != "paper" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if len(payload.Players) != 3 {
		t.Errorf("expected 3 player snapshots, got %d", len(payload.Players))
	}
}

func TestReconnectStateFalseForUnknownMatchOrUser(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	seatedMatch(m, testConfig())

	if _, ok := m.ReconnectState("no-such-match", "alice"); ok {
		t.Errorf("expected ok=false for unknown match")
	}
	if _, ok := m.ReconnectState("match-1", "nobody"); ok {
		t.Errorf("expected ok=false for unseated user")
	}
}

func TestActiveMatchStalenessOnlyIncludesRunningMatches(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	lm, _ := seatedMatch(m, testConfig())
	lm.lastTickAt = time.Now().Add(-2 * time.Second)

	other := &liveMatch{ID: "match-2", Status: models.MatchCountdown}
	m.mu.Lock()
	m.matches[other.ID] = other
	m.mu.Unlock()

	staleness := m.ActiveMatchStaleness(time.Now())
	if _, ok := staleness["match-2"]; ok {
		t.Errorf("expected countdown match excluded from staleness report")
	}
	d, ok := staleness[lm.ID]
	if !ok {
		t.Fatalf("expected running match present in staleness report")
	}
	if d < 2*time.Second {
		t.Errorf("expected staleness >= 2s, got %v", d)
	}
}

func TestRunOneTickLastStandingTriggersSettle(t *testing.T) {
	m, ms, _, ch, _, out := testManager()
	cfg := testConfig()
	lm, ids := seatedMatch(m, cfg)
	lm.seats[1].Alive = false
	lm.seats[2].Alive = false

	done := m.runOneTick(lm, time.Now(), false)
	if !done {
		t.Fatalf("expected runOneTick to report done once only one player is alive")
	}

	waitForCondition(t, func() bool { return ms.match.WinnerID != nil })
	if *ms.match.WinnerID != ids[0] {
		t.Errorf("expected %s to win, got %v", ids[0], *ms.match.WinnerID)
	}
	if len(ch.transfers) != 1 {
		t.Errorf("expected exactly one chain transfer for the payout, got %d", len(ch.transfers))
	}
	if out.countType("MATCH_END") == 0 {
		t.Errorf("expected a match_end broadcast")
	}
}

func TestRunOneTickMassDisconnectVoids(t *testing.T) {
	m, ms, _, _, eng, out := testManager()
	cfg := testConfig()
	lm, _ := seatedMatch(m, cfg)
	for _, s := range lm.seats {
		s.Connected = false
		s.DisconnectedAt = time.Now()
	}

	done := m.runOneTick(lm, time.Now(), false)
	if !done {
		t.Fatalf("expected runOneTick to report done on mass disconnect")
	}

	waitForCondition(t, func() bool { return ms.match.Status == models.MatchVoid })
	if eng.refundCalled != 1 || eng.refundReason != "mass_disconnect" {
		t.Errorf("expected one mass_disconnect refund, got count=%d reason=%q", eng.refundCalled, eng.refundReason)
	}
	if out.countType("MATCH_END") == 0 {
		t.Errorf("expected a match_end broadcast")
	}
}

func TestRunOneTickVoidsOnPersistentPermanentPersistenceError(t *testing.T) {
	m, ms, _, _, _, out := testManager()
	cfg := testConfig()
	lm, _ := seatedMatch(m, cfg)
	ms.saveErr = errors.New("insufficient funds to write state")

	var done bool
	for i := int64(0); i < cfg.PersistenceInterval; i++ {
		done = m.runOneTick(lm, time.Now(), false)
		if done {
			break
		}
	}
	if !done {
		t.Fatalf("expected runOneTick to report done once a permanent persistence error is hit")
	}

	waitForCondition(t, func() bool { return ms.match.Status == models.MatchVoid })
	if out.countType("MATCH_END") == 0 {
		t.Errorf("expected a match_end broadcast after the critical tick error void")
	}
}

func TestVoidMatchForcesImmediateSettlement(t *testing.T) {
	m, ms, _, _, eng, _ := testManager()
	lm, _ := seatedMatch(m, testConfig())

	if err := m.VoidMatch(context.Background(), lm.ID, "server_restart"); err != nil {
		t.Fatalf("VoidMatch: %v", err)
	}
	waitForCondition(t, func() bool { return ms.match.Status == models.MatchVoid })
	if eng.refundReason != "server_restart" {
		t.Errorf("expected refund reason server_restart, got %q", eng.refundReason)
	}
}

func TestVoidMatchUnknownIDReturnsError(t *testing.T) {
	m, _, _, _, _, _ := testManager()
	if err := m.VoidMatch(context.Background(), "no-such-match", "x"); err == nil {
		t.Errorf("expected error for unknown match id")
	}
}

func TestSettleIsIdempotentOnceEnding(t *testing.T) {
	m, ms, _, _, eng, _ := testManager()
	lm, _ := seatedMatch(m, testConfig())

	m.settle(lm, result{Void: true, VoidReason: "first"})
	waitForCondition(t, func() bool { return ms.match.Status == models.MatchVoid })
	firstCount := eng.refundCalled

	// A second settle call on the same (now MatchVoid) match must be a
	// no-op rather than issuing a second refund.
	m.settle(lm, result{Void: true, VoidReason: "second"})
	time.Sleep(20 * time.Millisecond)
	if eng.refundCalled != firstCount {
		t.Errorf("expected settle to be a no-op once already void, refund count changed from %d to %d", firstCount, eng.refundCalled)
	}
}

func TestSettleWinnerPayoutFailureVoidsAndRefunds(t *testing.T) {
	m, ms, _, ch, eng, out := testManager()
	lm, ids := seatedMatch(m, testConfig())
	ch.transferErr = errors.New("execution reverted: insufficient allowance")

	m.settle(lm, result{WinnerID: ids[0], WinReason: "last_standing"})

	waitForCondition(t, func() bool { return ms.match.Status == models.MatchVoid })
	if eng.refundCalled != 1 || eng.refundReason != "payout_failed" {
		t.Errorf("expected payout_failed refund, got count=%d reason=%q", eng.refundCalled, eng.refundReason)
	}
	if out.countType("MATCH_END") == 0 {
		t.Errorf("expected a match_end broadcast")
	}
}

func TestSettleWinnerUnknownSeatVoids(t *testing.T) {
	m, ms, _, _, eng, _ := testManager()
	lm, _ := seatedMatch(m, testConfig())

	m.settle(lm, result{WinnerID: "ghost", WinReason: "last_standing"})
	waitForCondition(t, func() bool { return ms.match.Status == models.MatchVoid })
	if eng.refundCalled != 1 || eng.refundReason != "winner_resolution_failed" {
		t.Errorf("expected winner_resolution_failed refund, got count=%d reason=%q", eng.refundCalled, eng.refundReason)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within timeout")
}
