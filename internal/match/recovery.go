package match

import (
	"context"
	"log"
	"math/big"
	"time"

	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/pkg/models"
)

// RecoverInterrupted resolves every match left in countdown/running/ending
// by an unclean shutdown, per spec.md §4.4's reconciliation escape: scan
// the lobby wallet's outgoing transfers for a payout that already reached
// a seated player before the crash. If one is found the match is marked
// finished with that transaction rather than refunded, preventing a
// double-spend; otherwise it is voided and its lobby refunded. Grounded on
// the teacher's warm-load startup routine in cmd/engine/main.go, which
// resumes monitoring rather than re-processing work the node already did.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	interrupted, err := m.matchStore.GetInterruptedMatches(ctx)
	if err != nil {
		return err
	}
	if len(interrupted) == 0 {
		return nil
	}
	log.Printf("match: recovering %d interrupted match(es)", len(interrupted))

	reconciler := chain.NewReconciler(m.chain)

	for _, row := range interrupted {
		m.recoverOne(ctx, reconciler, row)
	}
	return nil
}

func (m *Manager) recoverOne(ctx context.Context, reconciler *chain.Reconciler, row models.Match) {
	players, err := m.matchStore.GetMatchPlayers(ctx, row.ID)
	if err != nil {
		log.Printf("match %s: recovery failed to load players: %v", row.ID, err)
		return
	}

	lobby, err := m.lobbyStore.GetLobby(ctx, row.LobbyID)
	if err != nil {
		log.Printf("match %s: recovery failed to load lobby %d: %v", row.ID, row.LobbyID, err)
		return
	}

	amount := big.NewInt(m.cfg.WinnerPayout)
	var sinceTime time.Time
	if row.RunningAt != nil {
		sinceTime = *row.RunningAt
	}
	for _, p := range players {
		user, err := m.userStore.GetUser(ctx, p.UserID)
		if err != nil {
			continue
		}
		transfer, found, err := reconciler.FindPayout(ctx, lobby.DepositAddress, user.Wallet, amount, 0, sinceTime)
		if err != nil {
			log.Printf("match %s: recovery reconciliation against %s failed: %v", row.ID, user.Wallet, err)
			continue
		}
		if !found {
			continue
		}

		log.Printf("match %s: recovery found existing payout %s to %s, marking finished", row.ID, transfer.TxHash, user.Wallet)
		if err := m.payoutStore.FinalizeMatchPayout(ctx, row.ID, row.LobbyID, m.cfg.WinnerPayout, transfer.TxHash); err != nil {
			log.Printf("match %s: recovery failed to finalize payout: %v", row.ID, err)
		}
		if err := m.matchStore.SetMatchWinner(ctx, row.ID, p.UserID); err != nil {
			log.Printf("match %s: recovery failed to set winner: %v", row.ID, err)
		}
		m.alertMgr.MatchRecovered(row.ID, 0)
		return
	}

	log.Printf("match %s: recovery found no existing payout, voiding and refunding lobby %d", row.ID, row.LobbyID)
	if err := m.eng.ProcessLobbyRefund(ctx, row.LobbyID, "server_restart"); err != nil {
		log.Printf("match %s: recovery refund failed: %v", row.ID, err)
	}
	if err := m.matchStore.UpdateMatchStatus(ctx, row.ID, models.MatchVoid, time.Now()); err != nil {
		log.Printf("match %s: recovery failed to record void status: %v", row.ID, err)
	}
	m.alertMgr.MatchRecovered(row.ID, 0)
}
