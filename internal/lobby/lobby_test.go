package lobby

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/pkg/models"
)

// fakeStore is a minimal in-memory LobbyStore/UserStore double for
// exercising Manager.Join's business rules without a database.
type fakeStore struct {
	lobby   models.Lobby
	players []models.LobbyPlayer
	users   map[string]models.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lobby: models.Lobby{ID: 1, Status: models.LobbyEmpty, DepositAddress: "0xdeposit"},
		users: make(map[string]models.User),
	}
}

func (f *fakeStore) GetLobby(ctx context.Context, id int) (models.Lobby, error) { return f.lobby, nil }
func (f *fakeStore) ListLobbies(ctx context.Context) ([]models.Lobby, error)    { return []models.Lobby{f.lobby}, nil }
func (f *fakeStore) ListLobbyPlayers(ctx context.Context, lobbyID int) ([]models.LobbyPlayer, error) {
	return f.players, nil
}
func (f *fakeStore) FindActiveLobbyForUser(ctx context.Context, userID string) (models.Lobby, bool, error) {
	for _, p := range f.players {
		if p.UserID == userID && p.Active() {
			return f.lobby, true, nil
		}
	}
	return models.Lobby{}, false, nil
}

func (f *fakeStore) JoinLobby(ctx context.Context, lobbyID int, userID, txHash string, seats int) (models.Lobby, error) {
	for _, p := range f.players {
		if p.PaymentTxHash == txHash {
			return models.Lobby{}, errors.New("duplicate key value violates unique constraint")
		}
	}
	now := time.Now()
	f.players = append(f.players, models.LobbyPlayer{UserID: userID, PaymentTxHash: txHash, JoinedAt: now})
	if f.lobby.FirstJoinAt == nil {
		f.lobby.FirstJoinAt = &now
	}
	if len(f.players) >= seats {
		f.lobby.Status = models.LobbyReady
	} else {
		f.lobby.Status = models.LobbyWaiting
	}
	return f.lobby, nil
}

func (f *fakeStore) SetLobbyTimeout(ctx context.Context, lobbyID int, at time.Time) error {
	f.lobby.TimeoutAt = &at
	return nil
}
func (f *fakeStore) SetLobbyCurrentMatch(ctx context.Context, lobbyID int, matchID *string) error {
	f.lobby.CurrentMatchID = matchID
	return nil
}
func (f *fakeStore) RefundLobbyPlayer(ctx context.Context, lobbyID int, userID, txHash, reason string) error {
	for i := range f.players {
		if f.players[i].UserID == userID && f.players[i].Active() {
			now := time.Now()
			f.players[i].RefundedAt = &now
			f.players[i].RefundTxHash = txHash
			f.players[i].RefundReason = reason
		}
	}
	return nil
}
func (f *fakeStore) ResetLobby(ctx context.Context, lobbyID int) error {
	f.lobby.Status = models.LobbyEmpty
	f.lobby.FirstJoinAt = nil
	f.lobby.TimeoutAt = nil
	f.lobby.CurrentMatchID = nil
	var kept []models.LobbyPlayer
	for _, p := range f.players {
		if p.Active() {
			kept = append(kept, p)
		}
	}
	f.players = kept
	return nil
}
func (f *fakeStore) IncrementRefundAttempt(ctx context.Context, lobbyID int, userID string) (int, error) {
	return 1, nil
}
func (f *fakeStore) EnsureLobbies(ctx context.Context, addresses []string, encryptedKeys [][]byte) error {
	return nil
}

func (f *fakeStore) GetOrCreateUser(ctx context.Context, wallet string) (models.User, error) {
	if u, ok := f.users[wallet]; ok {
		return u, nil
	}
	u := models.User{ID: "user-" + wallet, Wallet: wallet}
	f.users[wallet] = u
	return u, nil
}
func (f *fakeStore) GetUser(ctx context.Context, id string) (models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, errors.New("not found")
}

func (f *fakeStore) addUser(id, wallet string) {
	f.users[wallet] = models.User{ID: id, Wallet: wallet}
}

// fakeChain is a minimal chain.Chain double returning a confirmed receipt
// for any tx hash and the preset transfers for TransfersTo.
type fakeChain struct {
	transfers []chain.Transfer
	fail      bool
}

func (c *fakeChain) GetReceipt(ctx context.Context, txHash string) (chain.Receipt, error) {
	if c.fail {
		return chain.Receipt{}, errors.New("not found")
	}
	return chain.Receipt{TxHash: txHash, Status: true, Confirmations: 5}, nil
}
func (c *fakeChain) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *fakeChain) Transfer(ctx context.Context, walletIndex uint32, recipient string, amount *big.Int, nonce uint64) (string, error) {
	return "0xrefundtx", nil
}
func (c *fakeChain) NextNonce(ctx context.Context, walletIndex uint32) (uint64, error) { return 0, nil }
func (c *fakeChain) TransfersTo(ctx context.Context, address string, fromBlock uint64) ([]chain.Transfer, error) {
	return c.transfers, nil
}
func (c *fakeChain) TransfersFrom(ctx context.Context, address string, fromBlock uint64) ([]chain.Transfer, error) {
	return nil, nil
}
func (c *fakeChain) LatestBlock(ctx context.Context) (uint64, error) { return 100, nil }

// fakeEngine is a no-op engine.Engine double that just locks in-process.
type fakeEngine struct {
	locks        *lockRegistry
	startErr     error
	startCalled  bool
	refundCalled bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{locks: newLockRegistry()} }

func (e *fakeEngine) StartMatch(ctx context.Context, lobbyID int) error {
	e.startCalled = true
	return e.startErr
}
func (e *fakeEngine) VoidMatch(ctx context.Context, matchID string, reason string) error { return nil }
func (e *fakeEngine) LobbyLock(ctx context.Context, lobbyID int) (func(), error) {
	return e.locks.acquire(ctx, lobbyID)
}
func (e *fakeEngine) ProcessLobbyRefund(ctx context.Context, lobbyID int, reason string) error {
	e.refundCalled = true
	return nil
}

func testManager() (*Manager, *fakeStore, *fakeChain, *fakeEngine) {
	fs := newFakeStore()
	fc := &fakeChain{}
	m := NewManager(fs, fs, fc, nil, Config{
		BuyIn:            1_000_000,
		MinConfirmations: 3,
		MaxTxAge:         time.Hour,
		LobbyTimeout:     10 * time.Minute,
	})
	fe := newFakeEngine()
	m.SetEngine(fe)
	return m, fs, fc, fe
}

func TestJoinAdmitsPaidPlayerAndSkipsVerification(t *testing.T) {
	m, fs, _, _ := testManager()
	fs.addUser("user-1", "0xalice")

	if err := m.Join(context.Background(), 1, "user-1", "0xtxhash", true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(fs.players) != 1 {
		t.Fatalf("expected 1 seated player, got %d", len(fs.players))
	}
	if fs.lobby.FirstJoinAt == nil {
		t.Errorf("expected first_join_at set on first join")
	}
}

func TestJoinRejectsDuplicateTxHash(t *testing.T) {
	m, fs, _, _ := testManager()
	fs.addUser("user-1", "0xalice")
	fs.addUser("user-2", "0xbob")

	if err := m.Join(context.Background(), 1, "user-1", "0xsame", true); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	err := m.Join(context.Background(), 1, "user-2", "0xsame", true)
	if !errors.Is(err, ErrDuplicateTxHash) {
		t.Errorf("expected ErrDuplicateTxHash, got %v", err)
	}
}

func TestJoinRejectsAlreadySeatedCaller(t *testing.T) {
	m, fs, _, _ := testManager()
	fs.addUser("user-1", "0xalice")

	if err := m.Join(context.Background(), 1, "user-1", "0xone", true); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	err := m.Join(context.Background(), 1, "user-1", "0xtwo", true)
	if !errors.Is(err, ErrAlreadyInLobby) {
		t.Errorf("expected ErrAlreadyInLobby, got %v", err)
	}
}

func TestJoinRejectsWhenLobbyFull(t *testing.T) {
	m, fs, _, _ := testManager()
	fs.addUser("user-1", "0xa")
	fs.addUser("user-2", "0xb")
	fs.addUser("user-3", "0xc")
	fs.addUser("user-4", "0xd")

	for i, uid := range []string{"user-1", "user-2", "user-3"} {
		if err := m.Join(context.Background(), 1, uid, "0xtx"+string(rune('0'+i)), true); err != nil {
			t.Fatalf("seat %d join: %v", i, err)
		}
	}
	err := m.Join(context.Background(), 1, "user-4", "0xtx9", true)
	if !errors.Is(err, ErrLobbyFull) {
		t.Errorf("expected ErrLobbyFull, got %v", err)
	}
}

func TestThirdJoinTriggersMatchStart(t *testing.T) {
	m, fs, _, fe := testManager()
	fs.addUser("user-1", "0xa")
	fs.addUser("user-2", "0xb")
	fs.addUser("user-3", "0xc")

	for i, uid := range []string{"user-1", "user-2", "user-3"} {
		if err := m.Join(context.Background(), 1, uid, "0xtx"+string(rune('0'+i)), true); err != nil {
			t.Fatalf("seat %d join: %v", i, err)
		}
	}

	time.Sleep(readyGracePeriod + 50*time.Millisecond)
	if !fe.startCalled {
		t.Errorf("expected StartMatch to be invoked after third join")
	}
}

func TestRequestTimeoutRefundRejectsBeforeTimeout(t *testing.T) {
	m, fs, _, _ := testManager()
	fs.addUser("user-1", "0xa")
	if err := m.Join(context.Background(), 1, "user-1", "0xtx", true); err != nil {
		t.Fatalf("Join: %v", err)
	}

	err := m.RequestTimeoutRefund(context.Background(), 1)
	if !errors.Is(err, ErrTimeoutNotElapsed) {
		t.Errorf("expected ErrTimeoutNotElapsed, got %v", err)
	}
}

func TestRequestTimeoutRefundSucceedsAfterElapsed(t *testing.T) {
	m, fs, _, _ := testManager()
	fs.addUser("user-1", "0xa")
	if err := m.Join(context.Background(), 1, "user-1", "0xtx", true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	fs.lobby.TimeoutAt = &past

	if err := m.RequestTimeoutRefund(context.Background(), 1); err != nil {
		t.Fatalf("RequestTimeoutRefund: %v", err)
	}
	if fs.lobby.Status != models.LobbyEmpty {
		t.Errorf("expected lobby reset to empty, got %s", fs.lobby.Status)
	}
}

func TestCheckStuckLobbiesAlertsOncePerDay(t *testing.T) {
	m, fs, _, _ := testManager()
	old := time.Now().Add(-3 * time.Hour)
	fs.lobby.Status = models.LobbyWaiting
	fs.lobby.FirstJoinAt = &old

	var count int
	m.alertMgr = alerts.NewManager(func(alerts.Alert) { count++ })

	m.CheckStuckLobbies(context.Background())
	m.CheckStuckLobbies(context.Background())

	if count != 1 {
		t.Errorf("expected exactly 1 stuck-lobby alert across two scans within the dedupe window, got %d", count)
	}
}
