package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/proctorhub/backend/internal/metrics"
)

// Sweeper periodically ends ACTIVE sessions whose heartbeat has gone
// stale. It runs as the single periodic task of the process; the sweep
// itself is idempotent so overlapping deployments do not race.
type Sweeper struct {
	repo           Repository
	staleThreshold time.Duration
	interval       time.Duration
	now            func() time.Time
}

func NewSweeper(repo Repository, staleThreshold, interval time.Duration) *Sweeper {
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		repo:           repo,
		staleThreshold: staleThreshold,
		interval:       interval,
		now:            time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one sweep pass.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	now := sw.now()
	n, err := sw.repo.SweepStaleSessions(ctx, now.Add(-sw.staleThreshold), now)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.SessionsSwept.Add(float64(n))
		slog.Info("swept stale sessions", "count", n, "stale_threshold", sw.staleThreshold)
	}
}
