package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// StatsStore maintains per-wallet running totals and the paid-wallet ledger.
type StatsStore interface {
	// RecordMatchResult is the "record stats" invariant: the winner's and
	// losers' player_stats rows, and the paid_wallets row for every seated
	// player, update in one transaction per finished match.
	RecordMatchResult(ctx context.Context, lobbyBuyIn int64, winnerWallet string, loserWallets []string, allWallets []string) error

	GetPlayerStats(ctx context.Context, wallet string) (models.PlayerStats, error)

	// RebuildPlayerStats recomputes a PlayerStats row from the full match
	// history, independent of the incremental path RecordMatchResult takes.
	// Only the match, win and loss counts and the streaks are recomputed;
	// TotalEarnings, TotalSpend, FirstMatchAt and LastMatchAt are left zero.
	RebuildPlayerStats(ctx context.Context, wallet string) (models.PlayerStats, error)
}

func (s *Postgres) RecordMatchResult(ctx context.Context, lobbyBuyIn int64, winnerWallet string, loserWallets []string, allWallets []string) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, w := range allWallets {
			isWinner := w == winnerWallet
			if _, err := tx.Exec(ctx, `
				INSERT INTO player_stats (wallet, total_matches, total_wins, total_losses,
				                          total_earnings, total_spend, current_win_streak,
				                          best_win_streak, first_match_at, last_match_at)
				VALUES ($1, 1, $2, $3, $4, $5, $2, $2, NOW(), NOW())
				ON CONFLICT (wallet) DO UPDATE SET
				  total_matches = player_stats.total_matches + 1,
				  total_wins = player_stats.total_wins + $2,
				  total_losses = player_stats.total_losses + $3,
				  total_earnings = player_stats.total_earnings + $4,
				  total_spend = player_stats.total_spend + $5,
				  current_win_streak = CASE WHEN $2 = 1 THEN player_stats.current_win_streak + 1 ELSE 0 END,
				  best_win_streak = GREATEST(player_stats.best_win_streak,
				                              CASE WHEN $2 = 1 THEN player_stats.current_win_streak + 1 ELSE 0 END),
				  last_match_at = NOW()`,
				w, boolToInt(isWinner), boolToInt(!isWinner), earnings(isWinner, lobbyBuyIn), lobbyBuyIn,
			); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO paid_wallets (wallet, total_payments, first_payment_at, last_payment_at)
				VALUES ($1, 1, NOW(), NOW())
				ON CONFLICT (wallet) DO UPDATE SET
				  total_payments = paid_wallets.total_payments + 1,
				  last_payment_at = NOW()`, w); err != nil {
				return err
			}
		}
		return nil
	})
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// earnings computes the amount added to total_earnings: a winner is
// credited twice the buy-in (the two opponents' stakes), with no deduction
// for the treasury cut or the winner's own buy-in; a loser's earnings
// contribution is zero.
func earnings(isWinner bool, buyIn int64) int64 {
	if !isWinner {
		return 0
	}
	return 2 * buyIn // the two opponents' stakes
}

func (s *Postgres) GetPlayerStats(ctx context.Context, wallet string) (models.PlayerStats, error) {
	var st models.PlayerStats
	err := s.pool.QueryRow(ctx,
		`SELECT wallet, total_matches, total_wins, total_losses, total_earnings, total_spend,
		        current_win_streak, best_win_streak, first_match_at, last_match_at
		 FROM player_stats WHERE wallet = $1`, wallet,
	).Scan(&st.Wallet, &st.TotalMatches, &st.TotalWins, &st.TotalLosses, &st.TotalEarnings,
		&st.TotalSpend, &st.CurrentWinStreak, &st.BestWinStreak, &st.FirstMatchAt, &st.LastMatchAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlayerStats{}, ErrNotFound
	}
	return st, err
}

// RebuildPlayerStats recomputes the match, win/loss and streak fields from
// match_players/matches history over finished matches; earnings, spend and
// the first/last match timestamps are not recomputed.
func (s *Postgres) RebuildPlayerStats(ctx context.Context, wallet string) (models.PlayerStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.winner_id = u.id AS is_winner, m.ended_at
		FROM match_players mp
		JOIN matches m ON m.id = mp.match_id
		JOIN users u ON u.id = mp.user_id
		WHERE u.wallet = $1 AND m.status = 'finished'
		ORDER BY m.ended_at`, wallet)
	if err != nil {
		return models.PlayerStats{}, err
	}
	defer rows.Close()

	st := models.PlayerStats{Wallet: wallet}
	streak := int64(0)
	for rows.Next() {
		var isWinner bool
		var endedAt any
		if err := rows.Scan(&isWinner, &endedAt); err != nil {
			return models.PlayerStats{}, err
		}
		st.TotalMatches++
		if isWinner {
			st.TotalWins++
			streak++
		} else {
			st.TotalLosses++
			streak = 0
		}
		if streak > st.BestWinStreak {
			st.BestWinStreak = streak
		}
	}
	st.CurrentWinStreak = streak
	return st, rows.Err()
}
