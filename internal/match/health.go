package match

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/rawblock/rps-arena/pkg/models"
)

const stallCheckInterval = 2 * time.Second

// HealthMonitor is the singleton stall watchdog: it walks every active
// match's lastTickAt on a fixed interval and voids any match whose tick
// loop has gone silent past StallThreshold, the symptom of a wedged
// goroutine or a panic that escaped its own recover. Modeled on
// internal/scanner/block_scanner.go's atomic-progress-counter-plus-single-
// background-goroutine shape, repurposed from scanning blocks to scanning
// the active-match registry.
type HealthMonitor struct {
	mgr        *Manager
	isRunning  atomic.Bool
	checksRun  atomic.Int64
	voidsCount atomic.Int64
}

func NewHealthMonitor(mgr *Manager) *HealthMonitor {
	return &HealthMonitor{mgr: mgr}
}

// Run blocks until ctx is cancelled, checking every stallCheckInterval.
func (h *HealthMonitor) Run(ctx context.Context) {
	h.isRunning.Store(true)
	defer h.isRunning.Store(false)

	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkOnce()
		}
	}
}

func (h *HealthMonitor) checkOnce() {
	h.checksRun.Add(1)
	now := time.Now()

	h.mgr.mu.Lock()
	stalled := make([]string, 0)
	for id, lm := range h.mgr.matches {
		lm.mu.Lock()
		running := lm.Status == models.MatchRunning
		lastTick := lm.lastTickAt
		lm.mu.Unlock()
		if running && !lastTick.IsZero() && now.Sub(lastTick) > h.mgr.cfg.StallThreshold {
			stalled = append(stalled, id)
		}
	}
	h.mgr.mu.Unlock()

	for _, id := range stalled {
		log.Printf("match %s: health monitor detected stalled tick loop, voiding", id)
		h.voidsCount.Add(1)
		if err := h.mgr.VoidMatch(context.Background(), id, "game_loop_stalled"); err != nil {
			log.Printf("match %s: health monitor void failed: %v", id, err)
		}
	}
}

// Progress reports the monitor's run count, void count and running flag.
func (h *HealthMonitor) Progress() (checks, voids int64, running bool) {
	return h.checksRun.Load(), h.voidsCount.Load(), h.isRunning.Load()
}
