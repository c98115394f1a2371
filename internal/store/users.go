package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// ErrNotFound is returned by single-row lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// UserStore manages wallet-authenticated identities.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, wallet string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
}

func (s *Postgres) GetOrCreateUser(ctx context.Context, wallet string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, wallet) VALUES (gen_random_uuid()::text, $1)
		 ON CONFLICT (wallet) DO UPDATE SET wallet = EXCLUDED.wallet
		 RETURNING id, wallet, COALESCE(display_name, ''), created_at`,
		wallet,
	).Scan(&u.ID, &u.Wallet, &u.DisplayName, &u.CreatedAt)
	return u, err
}

func (s *Postgres) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, wallet, COALESCE(display_name, ''), created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Wallet, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

// SessionStore manages bearer-token login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, userID string, ttl time.Duration) (models.Session, error)
	GetSessionByToken(ctx context.Context, token string) (models.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

func (s *Postgres) CreateSession(ctx context.Context, userID string, ttl time.Duration) (models.Session, error) {
	var sess models.Session
	token := newOpaqueToken()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, token, expires_at)
		 VALUES (gen_random_uuid()::text, $1, $2, $3)
		 RETURNING id, user_id, token, expires_at, created_at`,
		userID, token, time.Now().Add(ttl),
	).Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.ExpiresAt, &sess.CreatedAt)
	return sess, err
}

func (s *Postgres) GetSessionByToken(ctx context.Context, token string) (models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token, expires_at, created_at FROM sessions WHERE token = $1`, token,
	).Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if sess.ExpiresAt.Before(time.Now()) {
		return models.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *Postgres) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}
