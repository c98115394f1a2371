// Package chain is the on-chain leg: ERC-20 stablecoin transfer
// verification, balance reads, and payouts against an EVM-compatible
// chain, grounded on the teacher's internal/bitcoin/client.go in shape
// (a single Client wrapping an RPC SDK, with a raw-JSON-RPC-over-HTTP
// escape hatch for calls the SDK doesn't model well) but targeting
// go-ethereum instead of btcd/bitcoind, since the settled token here is an
// ERC-20 stablecoin rather than native BTC.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// Transfer is one ERC-20 Transfer event, normalized out of the chain's log
// format.
type Transfer struct {
	TxHash        string
	From          string
	To            string
	Amount        *big.Int
	BlockNumber   uint64
	Confirmations uint64
	Timestamp     time.Time
}

// Receipt is the minimal confirmation evidence Settlement needs.
type Receipt struct {
	TxHash        string
	Status        bool // true = success
	BlockNumber   uint64
	Confirmations uint64
}

// Chain is the interface the lobby, match and settlement packages depend
// on — never a concrete client — per spec.md §2's "Chain interface
// providing receipt lookup, balance reads and token transfers" framing.
type Chain interface {
	// GetReceipt looks up the receipt for a transaction hash. Returns
	// ErrTxNotFound if the node has not seen it yet.
	GetReceipt(ctx context.Context, txHash string) (Receipt, error)

	// BalanceOf reads the token balance of an address in minor units.
	BalanceOf(ctx context.Context, address string) (*big.Int, error)

	// Transfer sends amount (minor units) of the configured token from the
	// given wallet to recipient, signing with that wallet's derived key,
	// at the given nonce, and returns the submitted tx hash. The caller
	// (TransferWithRetry) is responsible for taking the nonce once via
	// NextNonce and reusing it across every retry/provider switch, so a
	// transaction that lands after an apparent timeout is never followed
	// by a second, independently-nonced transfer of the same payout.
	Transfer(ctx context.Context, fromWalletIndex uint32, recipient string, amount *big.Int, nonce uint64) (string, error)

	// NextNonce reads the pending nonce for the given wallet, to be taken
	// once before a retry loop begins per spec.md §4.4.
	NextNonce(ctx context.Context, fromWalletIndex uint32) (uint64, error)

	// TransfersTo returns Transfer events sent to address between
	// fromBlock and the current head (inclusive), filtered to the
	// configured token contract.
	TransfersTo(ctx context.Context, address string, fromBlock uint64) ([]Transfer, error)

	// TransfersFrom returns Transfer events sent from address since
	// fromBlock, used by reconciliation to detect an already-sent payout.
	TransfersFrom(ctx context.Context, address string, fromBlock uint64) ([]Transfer, error)

	// LatestBlock returns the current chain head height.
	LatestBlock(ctx context.Context) (uint64, error)
}

// ErrTxNotFound is returned by GetReceipt when the chain has no record of
// the transaction (either never broadcast, or not yet mined).
var ErrTxNotFound = fmt.Errorf("chain: transaction not found")
