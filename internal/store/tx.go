package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	txMaxRetries  = 3
	txBaseBackoff = 50 * time.Millisecond
)

// withTx runs fn inside a transaction, committing on success and rolling
// back otherwise, exactly as the teacher's SaveAnalysisResult does
// (Begin/defer Rollback/Commit). On top of that it retries BUSY-class
// errors up to txMaxRetries times with exponential backoff, per spec.md's
// "SQLite-style BUSY errors are retried inside the transaction wrapper up
// to 3 times with 50ms exponential backoff".
func (s *Postgres) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= txMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(txBaseBackoff * time.Duration(1<<uint(attempt-1)))
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = fn(ctx, tx)
		if err != nil {
			_ = tx.Rollback(ctx)
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("store: commit failed: %w", err)
		}
		return nil
	}
	return fmt.Errorf("store: transaction still busy after %d attempts: %w", txMaxRetries+1, lastErr)
}
