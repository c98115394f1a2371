package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// VerifyDeposit confirms that txHash is a Transfer from sender to
// depositAddr of exactly amount, with at least minConfirmations and a
// block age no older than maxAge — the four preconditions spec.md §4.3
// names for admitting a paying player into a lobby.
func VerifyDeposit(ctx context.Context, c Chain, txHash, sender, depositAddr string, amount *big.Int, minConfirmations uint64, maxAge time.Duration, now time.Time) error {
	receipt, err := c.GetReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("payment not confirmed: %w", err)
	}
	if !receipt.Status {
		return fmt.Errorf("payment transaction reverted")
	}
	if receipt.Confirmations < minConfirmations {
		return fmt.Errorf("payment has %d confirmations, need %d", receipt.Confirmations, minConfirmations)
	}

	transfers, err := c.TransfersTo(ctx, depositAddr, 0)
	if err != nil {
		return fmt.Errorf("reading deposit transfers: %w", err)
	}

	for _, t := range transfers {
		if t.TxHash != txHash {
			continue
		}
		if t.From != sender {
			return fmt.Errorf("payment sender mismatch")
		}
		if t.Amount.Cmp(amount) != 0 {
			return fmt.Errorf("payment amount mismatch: got %s want %s", t.Amount, amount)
		}
		if maxAge > 0 && now.Sub(t.Timestamp) > maxAge {
			return fmt.Errorf("payment is older than max allowed age")
		}
		return nil
	}
	return fmt.Errorf("no matching transfer event found for %s", txHash)
}
