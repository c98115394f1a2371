package lobby

import (
	"context"
	"sync"
)

// lockRegistry is a lazily-created, per-key asynchronous lock, replacing
// the "polled map of booleans" pattern spec.md §9 flags for redesign.
// Keyed by lobby id; grounded in shape on the mutex-guarded map idiom the
// teacher uses for its in-memory managers (InvestigationManager's
// `sync.RWMutex` + `map[string]*Investigation`), generalized from guarding
// data to guarding a critical section.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[int]chan struct{}
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[int]chan struct{})}
}

// acquire blocks until the lobby's lock is free or ctx is done, returning a
// release function the caller must always invoke (typically via defer).
func (r *lockRegistry) acquire(ctx context.Context, lobbyID int) (func(), error) {
	r.mu.Lock()
	ch, ok := r.locks[lobbyID]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[lobbyID] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
