package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// MatchStore manages match lifecycle rows, the append-only event log and
// the periodic recovery snapshot.
type MatchStore interface {
	// CreateMatchWithPlayers is the "create match + players + lobby status"
	// invariant: the match row, its three seat rows, and the lobby's flip to
	// in_progress all commit together.
	CreateMatchWithPlayers(ctx context.Context, m models.Match, players []models.MatchPlayer) error

	GetMatch(ctx context.Context, matchID string) (models.Match, error)
	UpdateMatchStatus(ctx context.Context, matchID string, status models.MatchStatus, at time.Time) error
	RecordElimination(ctx context.Context, matchID, userID, by string, finalX, finalY float64, at time.Time) error
	SetMatchWinner(ctx context.Context, matchID, winnerID string) error

	AppendMatchEvent(ctx context.Context, ev models.MatchEvent) error

	SaveMatchState(ctx context.Context, st models.MatchState) error
	GetMatchState(ctx context.Context, matchID string) (models.MatchState, error)
	// DeleteMatchState removes the recovery snapshot once a match reaches a
	// terminal status — a finished/voided match no longer needs replaying.
	DeleteMatchState(ctx context.Context, matchID string) error
	GetInterruptedMatches(ctx context.Context) ([]models.Match, error)
	GetMatchPlayers(ctx context.Context, matchID string) ([]models.MatchPlayer, error)
}

func (s *Postgres) CreateMatchWithPlayers(ctx context.Context, m models.Match, players []models.MatchPlayer) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO matches (id, lobby_id, status, rng_seed, countdown_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.LobbyID, m.Status, int64(m.RNGSeed), m.CountdownAt)
		if err != nil {
			return err
		}

		for _, p := range players {
			if _, err := tx.Exec(ctx,
				`INSERT INTO match_players (match_id, user_id, role, spawn_x, spawn_y)
				 VALUES ($1, $2, $3, $4, $5)`,
				p.MatchID, p.UserID, p.Role, p.SpawnX, p.SpawnY); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE lobbies SET status = 'in_progress', current_match_id = $1 WHERE id = $2`,
			m.ID, m.LobbyID)
		return err
	})
}

// GetMatch loads one match row, used by settlement's idempotency check
// (has a payout already been recorded for this match?) before re-sending
// a payout after a crash/resume.
func (s *Postgres) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	var m models.Match
	var rngSeed int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, lobby_id, status, rng_seed, countdown_at, running_at, ended_at,
		        winner_id, payout_amount, payout_tx_hash
		 FROM matches WHERE id = $1`, matchID,
	).Scan(&m.ID, &m.LobbyID, &m.Status, &rngSeed, &m.CountdownAt, &m.RunningAt, &m.EndedAt,
		&m.WinnerID, &m.PayoutAmount, &m.PayoutTxHash)
	m.RNGSeed = uint64(rngSeed)
	return m, err
}

func (s *Postgres) UpdateMatchStatus(ctx context.Context, matchID string, status models.MatchStatus, at time.Time) error {
	var col string
	switch status {
	case models.MatchRunning:
		col = "running_at"
	case models.MatchFinished, models.MatchVoid:
		col = "ended_at"
	default:
		_, err := s.pool.Exec(ctx, `UPDATE matches SET status = $1 WHERE id = $2`, status, matchID)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE matches SET status = $1, `+col+` = $2 WHERE id = $3`, status, at, matchID)
	return err
}

func (s *Postgres) RecordElimination(ctx context.Context, matchID, userID, by string, finalX, finalY float64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE match_players SET eliminated_at = $1, eliminated_by = $2, final_x = $3, final_y = $4
		 WHERE match_id = $5 AND user_id = $6`,
		at, by, finalX, finalY, matchID, userID)
	return err
}

func (s *Postgres) SetMatchWinner(ctx context.Context, matchID, winnerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE matches SET winner_id = $1 WHERE id = $2`, winnerID, matchID)
	return err
}

func (s *Postgres) AppendMatchEvent(ctx context.Context, ev models.MatchEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO match_events (match_id, tick, type, payload) VALUES ($1, $2, $3, $4)`,
		ev.MatchID, ev.Tick, ev.Type, ev.Payload)
	return err
}

func (s *Postgres) SaveMatchState(ctx context.Context, st models.MatchState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO match_state (match_id, version, tick, status, state_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (match_id) DO UPDATE SET
		   version = EXCLUDED.version, tick = EXCLUDED.tick, status = EXCLUDED.status,
		   state_json = EXCLUDED.state_json, updated_at = NOW()`,
		st.MatchID, st.Version, st.Tick, st.Status, st.StateJSON)
	return err
}

func (s *Postgres) GetMatchState(ctx context.Context, matchID string) (models.MatchState, error) {
	var st models.MatchState
	err := s.pool.QueryRow(ctx,
		`SELECT match_id, version, tick, status, state_json, updated_at
		 FROM match_state WHERE match_id = $1`, matchID,
	).Scan(&st.MatchID, &st.Version, &st.Tick, &st.Status, &st.StateJSON, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MatchState{}, ErrNotFound
	}
	return st, err
}

func (s *Postgres) DeleteMatchState(ctx context.Context, matchID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM match_state WHERE match_id = $1`, matchID)
	return err
}

// GetInterruptedMatches returns matches left in a non-terminal status,
// meaning the process died mid-match; the recovery routine must reconcile
// or void+refund each one.
func (s *Postgres) GetInterruptedMatches(ctx context.Context) ([]models.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lobby_id, status, rng_seed, countdown_at, running_at, ended_at,
		        winner_id, payout_amount, payout_tx_hash
		 FROM matches WHERE status IN ('countdown', 'running', 'ending')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		var seed int64
		if err := rows.Scan(&m.ID, &m.LobbyID, &m.Status, &seed, &m.CountdownAt, &m.RunningAt,
			&m.EndedAt, &m.WinnerID, &m.PayoutAmount, &m.PayoutTxHash); err != nil {
			return nil, err
		}
		m.RNGSeed = uint64(seed)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) GetMatchPlayers(ctx context.Context, matchID string) ([]models.MatchPlayer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT match_id, user_id, role, spawn_x, spawn_y, eliminated_at,
		        COALESCE(eliminated_by, ''), COALESCE(final_x, 0), COALESCE(final_y, 0)
		 FROM match_players WHERE match_id = $1`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MatchPlayer
	for rows.Next() {
		var p models.MatchPlayer
		if err := rows.Scan(&p.MatchID, &p.UserID, &p.Role, &p.SpawnX, &p.SpawnY,
			&p.EliminatedAt, &p.EliminatedBy, &p.FinalX, &p.FinalY); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// BuildMatchState is a small helper the match package uses to build the
// opaque MatchState.StateJSON blob with the current schema version stamped
// in, so GetMatchState/SaveMatchState round-trip cleanly.
func BuildMatchState(matchID string, tick int64, status models.MatchStatus, v any) (models.MatchState, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return models.MatchState{}, err
	}
	return models.MatchState{
		MatchID:   matchID,
		Version:   models.CurrentStateVersion,
		Tick:      tick,
		Status:    status,
		StateJSON: body,
	}, nil
}
