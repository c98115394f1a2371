package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// LobbyStore manages the fixed set of lobbies and their seated players.
type LobbyStore interface {
	GetLobby(ctx context.Context, id int) (models.Lobby, error)
	ListLobbies(ctx context.Context) ([]models.Lobby, error)
	ListLobbyPlayers(ctx context.Context, lobbyID int) ([]models.LobbyPlayer, error)
	FindActiveLobbyForUser(ctx context.Context, userID string) (models.Lobby, bool, error)

	// JoinLobby records a paid seat and, if the lobby is now full,
	// transitions it to ready — atomically, so the UNIQUE(payment_tx_hash)
	// constraint enforces serverwide at-most-once admission per tx hash
	// even across lobbies.
	JoinLobby(ctx context.Context, lobbyID int, userID, txHash string, seatCount int) (models.Lobby, error)

	SetLobbyTimeout(ctx context.Context, lobbyID int, at time.Time) error
	SetLobbyCurrentMatch(ctx context.Context, lobbyID int, matchID *string) error

	RefundLobbyPlayer(ctx context.Context, lobbyID int, userID, txHash, reason string) error
	ResetLobby(ctx context.Context, lobbyID int) error

	// IncrementRefundAttempt bumps the per-(lobby,player) refund counter,
	// resetting it if the rolling 1-hour window has elapsed, and returns the
	// post-increment count.
	IncrementRefundAttempt(ctx context.Context, lobbyID int, userID string) (int, error)

	// EnsureLobbies idempotently inserts any lobby row in [1, len(addresses)]
	// that does not already exist, seeding it with its derived deposit
	// wallet. Existing rows (and their in-progress state) are left alone —
	// this only fills gaps on first boot or after raising LOBBY_COUNT.
	EnsureLobbies(ctx context.Context, addresses []string, encryptedKeys [][]byte) error
}

func (s *Postgres) GetLobby(ctx context.Context, id int) (models.Lobby, error) {
	return scanLobby(s.pool.QueryRow(ctx,
		`SELECT id, status, deposit_address, first_join_at, timeout_at, current_match_id
		 FROM lobbies WHERE id = $1`, id))
}

func (s *Postgres) ListLobbies(ctx context.Context) ([]models.Lobby, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, deposit_address, first_join_at, timeout_at, current_match_id
		 FROM lobbies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Lobby
	for rows.Next() {
		l, err := scanLobbyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLobby(row pgx.Row) (models.Lobby, error) {
	return scanLobbyRow(row)
}

func scanLobbyRow(row rowScanner) (models.Lobby, error) {
	var l models.Lobby
	err := row.Scan(&l.ID, &l.Status, &l.DepositAddress, &l.FirstJoinAt, &l.TimeoutAt, &l.CurrentMatchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lobby{}, ErrNotFound
	}
	return l, err
}

// EnsureLobbies seeds lobby rows 1..len(addresses), one per configured
// wallet, skipping any id that already exists.
func (s *Postgres) EnsureLobbies(ctx context.Context, addresses []string, encryptedKeys [][]byte) error {
	for i, addr := range addresses {
		id := i + 1
		_, err := s.pool.Exec(ctx,
			`INSERT INTO lobbies (id, status, deposit_address, encrypted_key)
			 VALUES ($1, 'empty', $2, $3)
			 ON CONFLICT (id) DO NOTHING`,
			id, addr, encryptedKeys[i])
		if err != nil {
			return fmt.Errorf("store: seeding lobby %d: %w", id, err)
		}
	}
	return nil
}

func (s *Postgres) ListLobbyPlayers(ctx context.Context, lobbyID int) ([]models.LobbyPlayer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lobby_id, user_id, payment_tx_hash, joined_at, refunded_at,
		        COALESCE(refund_reason, ''), COALESCE(refund_tx_hash, '')
		 FROM lobby_players WHERE lobby_id = $1 ORDER BY joined_at`, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LobbyPlayer
	for rows.Next() {
		var p models.LobbyPlayer
		if err := rows.Scan(&p.ID, &p.LobbyID, &p.UserID, &p.PaymentTxHash, &p.JoinedAt,
			&p.RefundedAt, &p.RefundReason, &p.RefundTxHash); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) FindActiveLobbyForUser(ctx context.Context, userID string) (models.Lobby, bool, error) {
	var lobbyID int
	err := s.pool.QueryRow(ctx,
		`SELECT lobby_id FROM lobby_players WHERE user_id = $1 AND refunded_at IS NULL
		 ORDER BY joined_at DESC LIMIT 1`, userID,
	).Scan(&lobbyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lobby{}, false, nil
	}
	if err != nil {
		return models.Lobby{}, false, err
	}
	l, err := s.GetLobby(ctx, lobbyID)
	return l, err == nil, err
}

// JoinLobby is the "create match + players + lobby status"-class invariant
// named in spec.md §5, minus the match creation (that happens separately
// once the lobby fills): inserting the seat and flipping the lobby to
// ready when full must commit together or not at all.
func (s *Postgres) JoinLobby(ctx context.Context, lobbyID int, userID, txHash string, seatCount int) (models.Lobby, error) {
	var lobby models.Lobby
	err := s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO lobby_players (id, lobby_id, user_id, payment_tx_hash)
			 VALUES (gen_random_uuid()::text, $1, $2, $3)`,
			lobbyID, userID, txHash)
		if err != nil {
			return err
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM lobby_players WHERE lobby_id = $1 AND refunded_at IS NULL`,
			lobbyID).Scan(&count); err != nil {
			return err
		}

		status := string(models.LobbyWaiting)
		if count >= seatCount {
			status = string(models.LobbyReady)
		}
		row := tx.QueryRow(ctx,
			`UPDATE lobbies SET status = $1, first_join_at = COALESCE(first_join_at, NOW())
			 WHERE id = $2
			 RETURNING id, status, deposit_address, first_join_at, timeout_at, current_match_id`,
			status, lobbyID)
		lobby, err = scanLobbyRow(row)
		return err
	})
	return lobby, err
}

func (s *Postgres) SetLobbyTimeout(ctx context.Context, lobbyID int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE lobbies SET timeout_at = $1 WHERE id = $2`, at, lobbyID)
	return err
}

func (s *Postgres) SetLobbyCurrentMatch(ctx context.Context, lobbyID int, matchID *string) error {
	_, err := s.pool.Exec(ctx, `UPDATE lobbies SET current_match_id = $1 WHERE id = $2`, matchID, lobbyID)
	return err
}

func (s *Postgres) RefundLobbyPlayer(ctx context.Context, lobbyID int, userID, txHash, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE lobby_players SET refunded_at = NOW(), refund_tx_hash = $1, refund_reason = $2
		 WHERE lobby_id = $3 AND user_id = $4 AND refunded_at IS NULL`,
		txHash, reason, lobbyID, userID)
	return err
}

// ResetLobby clears a lobby back to empty after a match ends or a refund
// cycle completes — the "end match + reset lobby" invariant.
func (s *Postgres) ResetLobby(ctx context.Context, lobbyID int) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE lobbies SET status = 'empty', first_join_at = NULL, timeout_at = NULL,
			 current_match_id = NULL WHERE id = $1`, lobbyID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM lobby_players WHERE lobby_id = $1 AND refunded_at IS NOT NULL`, lobbyID)
		return err
	})
}

func (s *Postgres) IncrementRefundAttempt(ctx context.Context, lobbyID int, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO refund_attempts (lobby_id, user_id, window_start, count)
		 VALUES ($1, $2, NOW(), 1)
		 ON CONFLICT (lobby_id, user_id) DO UPDATE SET
		   count = CASE WHEN refund_attempts.window_start < NOW() - INTERVAL '1 hour'
		                THEN 1 ELSE refund_attempts.count + 1 END,
		   window_start = CASE WHEN refund_attempts.window_start < NOW() - INTERVAL '1 hour'
		                       THEN NOW() ELSE refund_attempts.window_start END
		 RETURNING count`,
		lobbyID, userID,
	).Scan(&count)
	return count, err
}
