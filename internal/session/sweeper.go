package session

import (
	"context"
	"time"

	"github.com/session-tracker/backend/internal/observability"
)

// RunSweeper evicts records that have been disconnected for longer than
// ttl until ctx is cancelled. A non-positive ttl keeps records for the
// life of the process and returns immediately.
func (r *Registry) RunSweeper(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	logger := observability.Component("registry")
	ticker := time.NewTicker(sweepInterval(ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(r.now().Add(-ttl)); len(removed) > 0 {
				logger.Info().Int("count", len(removed)).Strs("clients", removed).Msg("evicted stale sessions")
			}
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
