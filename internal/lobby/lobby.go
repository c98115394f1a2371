// Package lobby implements the lobby state machine of spec.md §4.3: join
// admission (payment verification, the UNIQUE tx-hash race barrier),
// timeout refunds, and the deposit monitor that recovers joins from chain
// events after a client crash.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/engine"
	"github.com/rawblock/rps-arena/internal/store"
	"github.com/rawblock/rps-arena/pkg/models"
)

const (
	seatCount          = 3
	readyGracePeriod   = 100 * time.Millisecond
	refundAttemptLimit = 5
	stuckLobbyAfter    = 2 * time.Hour
)

var (
	// ErrLobbyFull is returned by Join when three active players already
	// occupy the lobby.
	ErrLobbyFull = errors.New("lobby: full")
	// ErrLobbyBusy is returned by Join when the lobby is mid-match.
	ErrLobbyBusy = errors.New("lobby: in progress")
	// ErrAlreadyInLobby is returned when the caller already holds a seat
	// in some lobby.
	ErrAlreadyInLobby = errors.New("lobby: caller already seated elsewhere")
	// ErrDuplicateTxHash surfaces the UNIQUE(payment_tx_hash) barrier.
	ErrDuplicateTxHash = errors.New("lobby: DUPLICATE_TX_HASH")
	// ErrPaymentNotVerified is returned when the Chain cannot confirm the
	// claimed transfer.
	ErrPaymentNotVerified = errors.New("lobby: payment not verified")
	// ErrTimeoutNotElapsed is returned by RequestTimeoutRefund before
	// timeout_at.
	ErrTimeoutNotElapsed = errors.New("lobby: timeout not elapsed")
	// ErrNotRefundable is returned by RequestTimeoutRefund when the lobby
	// is not in a refundable status.
	ErrNotRefundable = errors.New("lobby: not refundable in current status")
)

// Manager owns the lobby state machine. It depends on engine.Engine for
// match start/void/refund/lock, breaking the Lobby<->Match import cycle
// per spec.md §9.
type Manager struct {
	store    store.LobbyStore
	users    store.UserStore
	chain    chain.Chain
	alertMgr *alerts.Manager
	locks    *lockRegistry

	buyIn            *big.Int
	minConfirmations uint64
	maxTxAge         time.Duration
	lobbyTimeout     time.Duration

	eng engine.Engine

	lastStuckAlert map[int]time.Time
}

// Config bundles the Manager's tunables, read from config.Config by the
// caller wiring cmd/engine/main.go.
type Config struct {
	BuyIn            int64
	MinConfirmations int64
	MaxTxAge         time.Duration
	LobbyTimeout     time.Duration
}

func NewManager(st store.LobbyStore, users store.UserStore, ch chain.Chain, alertMgr *alerts.Manager, cfg Config) *Manager {
	return &Manager{
		store:            st,
		users:            users,
		chain:            ch,
		alertMgr:         alertMgr,
		locks:            newLockRegistry(),
		buyIn:            big.NewInt(cfg.BuyIn),
		minConfirmations: uint64(cfg.MinConfirmations),
		maxTxAge:         cfg.MaxTxAge,
		lobbyTimeout:     cfg.LobbyTimeout,
		lastStuckAlert:   make(map[int]time.Time),
	}
}

// SetEngine wires the back-reference after both managers exist; called
// once during startup wiring.
func (m *Manager) SetEngine(e engine.Engine) { m.eng = e }

// LobbyLock implements engine.Engine.LobbyLock. It is the sole owner of
// the per-lobby async lock registry; both this package and internal/match
// reach it only through the Engine interface, never the registry directly.
func (m *Manager) LobbyLock(ctx context.Context, lobbyID int) (func(), error) {
	return m.locks.acquire(ctx, lobbyID)
}

// Join admits userID into lobbyID. If skipPaymentVerification is true (the
// deposit monitor's recovery path, or an admin join), txHash is trusted
// without a Chain lookup.
func (m *Manager) Join(ctx context.Context, lobbyID int, userID, txHash string, skipPaymentVerification bool) error {
	release, err := m.eng.LobbyLock(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: acquiring lock: %w", err)
	}
	defer release()

	lobby, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: loading lobby %d: %w", lobbyID, err)
	}
	if lobby.Status == models.LobbyInProgress {
		return ErrLobbyBusy
	}

	players, err := m.store.ListLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: listing players: %w", err)
	}
	active := 0
	for _, p := range players {
		if p.Active() {
			active++
		}
		if p.Active() && p.UserID == userID {
			return ErrAlreadyInLobby
		}
	}
	if active >= seatCount {
		return ErrLobbyFull
	}

	if existing, ok, err := m.store.FindActiveLobbyForUser(ctx, userID); err == nil && ok && existing.ID != lobbyID {
		return ErrAlreadyInLobby
	}

	if !skipPaymentVerification {
		user, err := m.users.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("lobby: resolving user %s: %w", userID, err)
		}
		now := time.Now()
		if err := chain.VerifyDeposit(ctx, m.chain, txHash, user.Wallet, lobby.DepositAddress, m.buyIn, m.minConfirmations, m.maxTxAge, now); err != nil {
			return fmt.Errorf("%w: %v", ErrPaymentNotVerified, err)
		}
	}

	updated, err := m.store.JoinLobby(ctx, lobbyID, userID, txHash, seatCount)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTxHash
		}
		return fmt.Errorf("lobby: recording join: %w", err)
	}

	if updated.FirstJoinAt != nil && lobby.FirstJoinAt == nil {
		if err := m.store.SetLobbyTimeout(ctx, lobbyID, updated.FirstJoinAt.Add(m.lobbyTimeout)); err != nil {
			log.Printf("lobby: failed to set timeout for lobby %d: %v", lobbyID, err)
		}
	}

	if updated.Status == models.LobbyReady {
		go m.startMatchAfterGrace(lobbyID)
	}
	return nil
}

func (m *Manager) startMatchAfterGrace(lobbyID int) {
	time.Sleep(readyGracePeriod)
	ctx := context.Background()

	if err := m.eng.StartMatch(ctx, lobbyID); err != nil {
		log.Printf("lobby: match start failed for lobby %d: %v", lobbyID, err)
		if refundErr := m.ProcessRefund(ctx, lobbyID, "INSUFFICIENT_LOBBY_BALANCE"); refundErr != nil {
			log.Printf("lobby: refund after failed match start also failed for lobby %d: %v", lobbyID, refundErr)
		}
	}
}

// RequestTimeoutRefund is invoked by any non-refunded player once
// timeout_at has elapsed while the lobby is still empty/waiting.
func (m *Manager) RequestTimeoutRefund(ctx context.Context, lobbyID int) error {
	release, err := m.eng.LobbyLock(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: acquiring lock: %w", err)
	}
	defer release()

	lobby, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: loading lobby %d: %w", lobbyID, err)
	}
	if lobby.Status != models.LobbyEmpty && lobby.Status != models.LobbyWaiting {
		return ErrNotRefundable
	}
	if lobby.TimeoutAt == nil || time.Now().Before(*lobby.TimeoutAt) {
		return ErrTimeoutNotElapsed
	}

	return m.processRefundLocked(ctx, lobbyID, "lobby_timeout")
}

// ProcessRefund is exposed to engine.Engine.ProcessLobbyRefund — invoked
// from Match code (via the Engine interface) without the caller already
// holding the lobby lock.
func (m *Manager) ProcessRefund(ctx context.Context, lobbyID int, reason string) error {
	release, err := m.eng.LobbyLock(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: acquiring lock: %w", err)
	}
	defer release()
	return m.processRefundLocked(ctx, lobbyID, reason)
}

func (m *Manager) processRefundLocked(ctx context.Context, lobbyID int, reason string) error {
	players, err := m.store.ListLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("lobby: listing players: %w", err)
	}

	for _, p := range players {
		if !p.Active() {
			continue
		}

		count, err := m.store.IncrementRefundAttempt(ctx, lobbyID, p.UserID)
		if err != nil {
			log.Printf("lobby: refund attempt counter failed for %d/%s: %v", lobbyID, p.UserID, err)
			continue
		}
		if count > refundAttemptLimit {
			if m.alertMgr != nil {
				m.alertMgr.RefundExhausted(lobbyID, p.UserID, fmt.Errorf("exceeded %d refund attempts", refundAttemptLimit))
			}
			continue
		}

		user, err := m.users.GetUser(ctx, p.UserID)
		if err != nil {
			log.Printf("lobby: resolving wallet for refund lobby %d player %s: %v", lobbyID, p.UserID, err)
			continue
		}

		txHash, err := chain.TransferWithRetry(ctx, m.chain, uint32(lobbyID), user.Wallet, m.buyIn, nil)
		if err != nil {
			log.Printf("lobby: refund transfer failed for lobby %d player %s: %v", lobbyID, p.UserID, err)
			continue
		}
		if err := m.store.RefundLobbyPlayer(ctx, lobbyID, p.UserID, txHash, reason); err != nil {
			log.Printf("lobby: failed to record refund for lobby %d player %s: %v", lobbyID, p.UserID, err)
		}
	}

	return m.store.ResetLobby(ctx, lobbyID)
}

// CheckStuckLobbies scans every lobby and alerts (at most once a day) on
// any stuck in waiting/in_progress for >= stuckLobbyAfter since
// first_join_at. Intended to be called on a periodic tick by the caller.
func (m *Manager) CheckStuckLobbies(ctx context.Context) {
	lobbies, err := m.store.ListLobbies(ctx)
	if err != nil {
		log.Printf("lobby: stuck-lobby scan failed: %v", err)
		return
	}

	now := time.Now()
	for _, l := range lobbies {
		if l.Status != models.LobbyWaiting && l.Status != models.LobbyInProgress {
			continue
		}
		if l.FirstJoinAt == nil || now.Sub(*l.FirstJoinAt) < stuckLobbyAfter {
			continue
		}
		if last, ok := m.lastStuckAlert[l.ID]; ok && now.Sub(last) < 24*time.Hour {
			continue
		}
		if m.alertMgr != nil {
			m.alertMgr.StuckLobby(l.ID, now.Sub(*l.FirstJoinAt))
		}
		m.lastStuckAlert[l.ID] = now
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
