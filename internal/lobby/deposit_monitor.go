package lobby

import (
	"context"
	"log"
	"time"

	"github.com/rawblock/rps-arena/pkg/models"
)

// DepositMonitor periodically scans each lobby's deposit address for
// Transfer events not yet reflected as a LobbyPlayer row, recovering joins
// whose client crashed after the on-chain payment went through. Grounded
// directly on internal/mempool/poller.go's Run: a ticker-driven scan loop,
// a "seen" set cleared on a slower cleanup ticker, and per-item dispatch
// into a business-rule pipeline (there, heuristics.AnalyzeTx; here,
// Manager.Join with payment verification skipped since the event itself is
// the evidence).
type DepositMonitor struct {
	mgr       *Manager
	scanRange uint64
	seen      map[string]bool
}

func NewDepositMonitor(mgr *Manager, scanRange uint64) *DepositMonitor {
	return &DepositMonitor{
		mgr:       mgr,
		scanRange: scanRange,
		seen:      make(map[string]bool),
	}
}

// Run scans every lobby's deposit address every 30s until ctx is done,
// resetting the dedupe set hourly to bound memory growth.
func (d *DepositMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(1 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("lobby: stopping deposit monitor")
			return
		case <-cleanupTicker.C:
			d.seen = make(map[string]bool)
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

func (d *DepositMonitor) scanOnce(ctx context.Context) {
	lobbies, err := d.mgr.store.ListLobbies(ctx)
	if err != nil {
		log.Printf("lobby: deposit monitor failed to list lobbies: %v", err)
		return
	}

	head, err := d.mgr.chain.LatestBlock(ctx)
	if err != nil {
		log.Printf("lobby: deposit monitor failed to read chain head: %v", err)
		return
	}
	fromBlock := uint64(0)
	if head > d.scanRange {
		fromBlock = head - d.scanRange
	}

	for _, l := range lobbies {
		if l.Status == models.LobbyInProgress {
			continue
		}

		transfers, err := d.mgr.chain.TransfersTo(ctx, l.DepositAddress, fromBlock)
		if err != nil {
			log.Printf("lobby: deposit monitor scan failed for lobby %d: %v", l.ID, err)
			continue
		}

		for _, t := range transfers {
			key := l.DepositAddress + ":" + t.TxHash
			if d.seen[key] {
				continue
			}
			d.seen[key] = true

			if t.Amount.Cmp(d.mgr.buyIn) != 0 {
				continue
			}
			if t.Confirmations < d.mgr.minConfirmations {
				continue
			}

			user, err := d.mgr.users.GetOrCreateUser(ctx, t.From)
			if err != nil {
				log.Printf("lobby: deposit monitor failed to resolve user %s: %v", t.From, err)
				continue
			}

			if err := d.mgr.Join(ctx, l.ID, user.ID, t.TxHash, true); err != nil {
				log.Printf("lobby: deposit monitor join failed for lobby %d tx %s: %v", l.ID, t.TxHash, err)
			}
		}
	}
}
