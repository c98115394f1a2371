package match

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// VoidMatch implements engine.Engine.VoidMatch, used by the lobby package
// (and the stall monitor, and recovery) to force an in-flight match to an
// immediate void settlement from outside the match's own tick loop.
func (m *Manager) VoidMatch(ctx context.Context, matchID string, reason string) error {
	lm := m.get(matchID)
	if lm == nil {
		return fmt.Errorf("match: %s not found", matchID)
	}
	m.settle(lm, result{Void: true, VoidReason: reason})
	return nil
}

// settle runs the two-phase-commit settlement spec.md §4.5 requires: the
// match is marked `ending` (which blocks the health monitor and stops the
// tick loop) before any terminal side effect — chain transfer, store
// write, or client broadcast — is attempted, so a crash mid-settlement
// never leaves the match stuck in `running`.
func (m *Manager) settle(lm *liveMatch, res result) {
	lm.mu.Lock()
	if lm.Status == models.MatchEnding || lm.Status == models.MatchFinished || lm.Status == models.MatchVoid {
		lm.mu.Unlock()
		return
	}
	lm.Status = models.MatchEnding
	cancel := lm.cancel
	lm.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx := context.Background()
	if err := m.matchStore.UpdateMatchStatus(ctx, lm.ID, models.MatchEnding, time.Now()); err != nil {
		log.Printf("match %s: failed to record ending status: %v", lm.ID, err)
	}

	if res.Void {
		m.settleVoid(ctx, lm, res.VoidReason)
	} else {
		m.settleWinner(ctx, lm, res)
	}
}

func (m *Manager) settleVoid(ctx context.Context, lm *liveMatch, reason string) {
	if err := m.eng.ProcessLobbyRefund(ctx, lm.LobbyID, reason); err != nil {
		log.Printf("match %s: void refund for lobby %d failed: %v", lm.ID, lm.LobbyID, err)
	}

	if err := m.matchStore.UpdateMatchStatus(ctx, lm.ID, models.MatchVoid, time.Now()); err != nil {
		log.Printf("match %s: failed to record void status: %v", lm.ID, err)
	}

	m.broadcastAll(lm, protocol.TypeMatchEnd, protocol.MatchEndPayload{
		MatchID: lm.ID,
		Void:    true,
		Reason:  reason,
	})

	m.finishInMemory(lm)
}

func (m *Manager) settleWinner(ctx context.Context, lm *liveMatch, res result) {
	lm.mu.Lock()
	winner := lm.seatByUser(res.WinnerID)
	lm.mu.Unlock()
	if winner == nil {
		log.Printf("match %s: winner %s has no seat, voiding instead", lm.ID, res.WinnerID)
		m.settleVoid(ctx, lm, "winner_resolution_failed")
		return
	}

	existing, err := m.matchStore.GetMatch(ctx, lm.ID)
	if err == nil && existing.Status == models.MatchFinished {
		// Already fully settled by an earlier run that crashed before
		// removing this match from memory; nothing left to do.
		m.finishInMemory(lm)
		return
	}
	if err == nil && existing.PayoutTxHash != nil && *existing.PayoutTxHash != "" {
		m.finalizePayout(ctx, lm, res, winner, *existing.PayoutTxHash)
		return
	}

	lobby, err := m.lobbyStore.GetLobby(ctx, lm.LobbyID)
	if err != nil {
		log.Printf("match %s: loading lobby %d for payout: %v", lm.ID, lm.LobbyID, err)
		m.settleVoid(ctx, lm, "lobby_lookup_failed")
		return
	}

	balance, err := m.chain.BalanceOf(ctx, lobby.DepositAddress)
	if err != nil || balance.Cmp(big.NewInt(m.cfg.WinnerPayout)) < 0 {
		log.Printf("match %s: pre-payout balance recheck failed for lobby %d: %v", lm.ID, lm.LobbyID, err)
		m.settleVoid(ctx, lm, "insufficient_lobby_balance_at_settlement")
		return
	}

	attempt, err := m.payoutStore.CountPayoutAttempts(ctx, lm.ID)
	if err != nil {
		attempt = 0
	}

	payoutAmount := m.cfg.WinnerPayout
	attemptRow := models.PayoutAttempt{
		ID:            uuid.New().String(),
		MatchID:       lm.ID,
		LobbyID:       lm.LobbyID,
		Recipient:     winner.Wallet,
		Amount:        payoutAmount,
		AttemptNumber: attempt + 1,
		Status:        models.PayoutPending,
		SourceWallet:  models.SourceLobby,
	}
	if err := m.payoutStore.CreatePayoutAttempt(ctx, attemptRow); err != nil {
		log.Printf("match %s: failed to record payout attempt: %v", lm.ID, err)
	}

	txHash, err := chain.TransferWithRetry(ctx, m.chain, uint32(lm.LobbyID), winner.Wallet,
		big.NewInt(payoutAmount), nil)
	if err != nil {
		errType := "unknown"
		if chain.Classify(err) == chain.ClassPermanent {
			errType = "permanent"
		} else {
			errType = "transient"
		}
		if merr := m.payoutStore.MarkPayoutFailed(ctx, attemptRow.ID, errType, err.Error()); merr != nil {
			log.Printf("match %s: failed to mark payout attempt failed: %v", lm.ID, merr)
		}
		m.alertMgr.PayoutFailed(lm.ID, winner.UserID, err)

		if rerr := m.eng.ProcessLobbyRefund(ctx, lm.LobbyID, "payout_failed"); rerr != nil {
			log.Printf("match %s: refund-after-payout-failure for lobby %d failed: %v", lm.ID, lm.LobbyID, rerr)
		}
		if uerr := m.matchStore.UpdateMatchStatus(ctx, lm.ID, models.MatchVoid, time.Now()); uerr != nil {
			log.Printf("match %s: failed to record void-after-payout-failure status: %v", lm.ID, uerr)
		}
		m.broadcastAll(lm, protocol.TypeMatchEnd, protocol.MatchEndPayload{
			MatchID: lm.ID, Void: true, Reason: "payout_failed",
		})
		m.finishInMemory(lm)
		return
	}

	if err := m.payoutStore.MarkPayoutSuccess(ctx, attemptRow.ID, txHash); err != nil {
		log.Printf("match %s: failed to mark payout attempt success: %v", lm.ID, err)
	}
	m.finalizePayout(ctx, lm, res, winner, txHash)
}

func (m *Manager) finalizePayout(ctx context.Context, lm *liveMatch, res result, winner *seat, txHash string) {
	if err := m.payoutStore.FinalizeMatchPayout(ctx, lm.ID, lm.LobbyID, m.cfg.WinnerPayout, txHash); err != nil {
		log.Printf("match %s: finalizing payout: %v", lm.ID, err)
	}
	if err := m.matchStore.SetMatchWinner(ctx, lm.ID, winner.UserID); err != nil {
		log.Printf("match %s: recording winner: %v", lm.ID, err)
	}

	var losers, all []string
	lm.mu.Lock()
	for _, s := range lm.seats {
		all = append(all, s.Wallet)
		if s.UserID != winner.UserID {
			losers = append(losers, s.Wallet)
		}
	}
	lm.mu.Unlock()

	if err := m.statsStore.RecordMatchResult(ctx, m.cfg.BuyIn, winner.Wallet, losers, all); err != nil {
		log.Printf("match %s: recording stats: %v", lm.ID, err)
	}

	m.alertMgr.MatchCompleted(lm.ID, winner.UserID)
	m.broadcastAll(lm, protocol.TypeMatchEnd, protocol.MatchEndPayload{
		MatchID:  lm.ID,
		WinnerID: winner.UserID,
		Reason:   res.WinReason,
		PayoutTx: txHash,
	})
	m.finishInMemory(lm)
}

// finishInMemory waits SettlementGrace before dropping the match from the
// active registry, giving slow clients a moment to receive MATCH_END
// before any reconnect/resync logic treats the match as gone. The match
// has reached a terminal status by the time this is called, so its
// recovery snapshot is no longer needed — spec.md §3 and §4.5 require it
// deleted once the match is finished or voided.
func (m *Manager) finishInMemory(lm *liveMatch) {
	if err := m.matchStore.DeleteMatchState(context.Background(), lm.ID); err != nil {
		log.Printf("match %s: failed to delete match state: %v", lm.ID, err)
	}
	time.AfterFunc(m.cfg.SettlementGrace, func() {
		m.remove(lm.ID)
	})
}

