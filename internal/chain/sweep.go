package chain

import (
	"context"
	"log"
	"math/big"
	"time"
)

// SweepTask periodically sweeps each lobby wallet's residual treasury cut
// to the treasury address. Decoupled from the payout path itself (Open
// Question 1 in SPEC_FULL.md): a sweep failure must never block or
// reverse a payout that already succeeded, so it runs as its own
// scheduled loop instead of a step inside settlement.
type SweepTask struct {
	chain        Chain
	lobbyWallets map[int]string // lobbyID -> wallet address
	treasuryAddr string
	cutAmount    *big.Int
	walletIndex  func(lobbyID int) uint32
}

func NewSweepTask(c Chain, lobbyWallets map[int]string, treasuryAddr string, cutAmount *big.Int, walletIndex func(int) uint32) *SweepTask {
	return &SweepTask{
		chain:        c,
		lobbyWallets: lobbyWallets,
		treasuryAddr: treasuryAddr,
		cutAmount:    cutAmount,
		walletIndex:  walletIndex,
	}
}

// Run sweeps every configured lobby wallet once per tick of interval,
// skipping any wallet whose balance is below cutAmount (nothing to sweep
// yet, or a prior sweep already emptied it).
func (s *SweepTask) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *SweepTask) sweepOnce(ctx context.Context) {
	for lobbyID, wallet := range s.lobbyWallets {
		balance, err := s.chain.BalanceOf(ctx, wallet)
		if err != nil {
			log.Printf("chain: sweep balance check failed for lobby %d: %v", lobbyID, err)
			continue
		}
		if balance.Cmp(s.cutAmount) < 0 {
			continue
		}

		txHash, err := TransferWithRetry(ctx, s.chain, s.walletIndex(lobbyID), s.treasuryAddr, s.cutAmount, nil)
		if err != nil {
			log.Printf("chain: sweep transfer failed for lobby %d: %v", lobbyID, err)
			continue
		}
		log.Printf("chain: swept %s from lobby %d wallet to treasury, tx=%s", s.cutAmount, lobbyID, txHash)
	}
}
