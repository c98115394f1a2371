package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// PayoutStore is the settlement audit trail: every attempt to pay a winner
// or refund a lobby is recorded here, success or failure, so a crash never
// loses the evidence needed to reconcile against the chain on restart.
type PayoutStore interface {
	CreatePayoutAttempt(ctx context.Context, p models.PayoutAttempt) error
	MarkPayoutSuccess(ctx context.Context, id, txHash string) error
	MarkPayoutFailed(ctx context.Context, id, errType, errMsg string) error
	CountPayoutAttempts(ctx context.Context, matchID string) (int, error)

	// FinalizeMatchPayout is the settlement-side "end match + reset lobby"
	// invariant: marking the match finished with its payout tx hash and
	// resetting the lobby commit together, so a reader never observes a
	// finished match whose lobby is still in_progress.
	FinalizeMatchPayout(ctx context.Context, matchID string, lobbyID int, payoutAmount int64, txHash string) error
}

// CreatePayoutAttempt inserts p, which must already carry a client-
// generated ID (see internal/match, which mints one via google/uuid
// before the chain call so the ID is known for the MarkPayoutSuccess/
// MarkPayoutFailed call that follows it).
func (s *Postgres) CreatePayoutAttempt(ctx context.Context, p models.PayoutAttempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payout_attempts
		   (id, match_id, lobby_id, recipient, amount, attempt_number, status, source_wallet)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.MatchID, p.LobbyID, p.Recipient, p.Amount, p.AttemptNumber, p.Status, p.SourceWallet)
	return err
}

func (s *Postgres) MarkPayoutSuccess(ctx context.Context, id, txHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payout_attempts SET status = 'success', tx_hash = $1 WHERE id = $2`, txHash, id)
	return err
}

func (s *Postgres) MarkPayoutFailed(ctx context.Context, id, errType, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payout_attempts SET status = 'failed', error_type = $1, error = $2 WHERE id = $3`,
		errType, errMsg, id)
	return err
}

func (s *Postgres) CountPayoutAttempts(ctx context.Context, matchID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payout_attempts WHERE match_id = $1`, matchID).Scan(&n)
	return n, err
}

func (s *Postgres) FinalizeMatchPayout(ctx context.Context, matchID string, lobbyID int, payoutAmount int64, txHash string) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE matches SET status = 'finished', ended_at = NOW(), payout_amount = $1, payout_tx_hash = $2
			 WHERE id = $3`, payoutAmount, txHash, matchID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE lobbies SET status = 'empty', first_join_at = NULL, timeout_at = NULL,
			 current_match_id = NULL WHERE id = $1`, lobbyID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM lobby_players WHERE lobby_id = $1`, lobbyID)
		return err
	})
}
