package chain

import (
	"context"
	"log"
	"math/big"
	"sync/atomic"
	"time"
)

// Reconciler scans a lobby wallet's outbound transfers to determine
// whether a payout already went out before a crash, grounded on the
// teacher's BlockScanner (internal/scanner/block_scanner.go): the same
// atomic progress-counter-plus-isRunning-guard shape, repurposed from
// scanning every block for CoinJoin heuristics to scanning one wallet's
// recent Transfer events for a matching payout.
type Reconciler struct {
	chain Chain

	scansRun   atomic.Int64
	matchFound atomic.Int64
	isRunning  atomic.Bool
}

func NewReconciler(c Chain) *Reconciler {
	return &Reconciler{chain: c}
}

// Progress mirrors BlockScanner.GetProgress's thread-safe snapshot idiom.
type Progress struct {
	IsRunning  bool
	ScansRun   int64
	MatchFound int64
}

func (r *Reconciler) Progress() Progress {
	return Progress{
		IsRunning:  r.isRunning.Load(),
		ScansRun:   r.scansRun.Load(),
		MatchFound: r.matchFound.Load(),
	}
}

// FindPayout looks for an outbound transfer from lobbyWallet to recipient
// of exactly amount, emitted at or after sinceBlock and timestamped at or
// after sinceTime. A match means the payout already left the lobby wallet
// before the crash — the recovery routine must mark the match finished
// with that tx hash rather than refund, preventing a double-spend per
// spec.md §4.4's "query recent Transfer events ... since the match's
// running_at" rule. The time filter matters because lobby wallets are
// reused across matches once a lobby resets: without it, a prior unrelated
// payout of the same fixed amount to the same recipient would be mistaken
// for the current match's payout, and recovery would mark the match
// finished without ever actually paying the current winner.
func (r *Reconciler) FindPayout(ctx context.Context, lobbyWallet, recipient string, amount *big.Int, sinceBlock uint64, sinceTime time.Time) (Transfer, bool, error) {
	r.isRunning.Store(true)
	defer r.isRunning.Store(false)
	r.scansRun.Add(1)

	transfers, err := r.chain.TransfersFrom(ctx, lobbyWallet, sinceBlock)
	if err != nil {
		return Transfer{}, false, err
	}

	for _, t := range transfers {
		if t.To != recipient || t.Amount.Cmp(amount) != 0 {
			continue
		}
		if !sinceTime.IsZero() && t.Timestamp.Before(sinceTime) {
			continue
		}
		r.matchFound.Add(1)
		log.Printf("chain: reconciliation found existing payout %s for %s", t.TxHash, recipient)
		return t, true, nil
	}
	return Transfer{}, false, nil
}
