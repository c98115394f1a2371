// Package store is the relational persistence layer: lobbies, matches,
// payouts and player stats, backed by PostgreSQL through pgx. Multi-step
// invariants are wrapped in a single transaction with BUSY-style retry;
// everything else goes through plain pooled queries.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence surface the lobby, match and settlement layers
// depend on. Kept as an interface (rather than a concrete *Postgres) so the
// Engine/Lobby/Match packages can be tested against a fake.
type Store interface {
	Health(ctx context.Context) error
	Close()

	UserStore
	SessionStore
	LobbyStore
	MatchStore
	PayoutStore
	StatsStore

	DeferredQueueDepth() int
	Defer(op func(ctx context.Context) error)
}

// Postgres implements Store against a PostgreSQL database via pgx.
type Postgres struct {
	pool     *pgxpool.Pool
	deferred *deferredQueue
}

// Connect opens the connection pool and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: unable to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}
	p := &Postgres{pool: pool}
	p.deferred = newDeferredQueue(100, 5*time.Second)
	log.Println("store: connected to PostgreSQL")
	return p, nil
}

// Close stops the deferred queue drain loop and closes the pool.
func (s *Postgres) Close() {
	if s.deferred != nil {
		s.deferred.stop()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health is used by GET /api/health; a failing ping means the process
// should be considered unhealthy.
func (s *Postgres) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema loads and executes schema.sql, idempotently (every statement
// is CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
func (s *Postgres) InitSchema(ctx context.Context, schemaPath string) error {
	schemaBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("store: failed to read schema file: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("store: failed to execute schema: %w", err)
	}
	log.Println("store: schema initialized")
	return nil
}

// StartDeferredDrain launches the background goroutine that flushes queued
// non-critical operations every 5 seconds. Call once, after Connect.
func (s *Postgres) StartDeferredDrain(ctx context.Context) {
	go s.deferred.run(ctx)
}

func (s *Postgres) DeferredQueueDepth() int {
	return s.deferred.depth()
}

// Defer enqueues a non-critical write for later execution. Critical
// operations (user/match/payout creation, refunds) must never call this —
// they execute inline so a failure is visible to the caller immediately.
func (s *Postgres) Defer(op func(ctx context.Context) error) {
	s.deferred.push(op)
}

// isBusy reports whether err looks like the SQLite-style "database is
// locked"/serialization-failure class of transient error that the teacher's
// transaction wrapper idiom retries. Postgres surfaces this as SQLSTATE
// 40001 (serialization_failure) or 55P03 (lock_not_available).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "40001") || contains(msg, "55P03") || contains(msg, "could not serialize")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
