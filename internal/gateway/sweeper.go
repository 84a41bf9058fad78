package gateway

import (
	"context"
	"time"

	"github.com/nbramov/gateway/internal/logger"
)

// Purger deletes records older than a cutoff.
type Purger interface {
	PurgeOlderThan(cutoff time.Time) error
}

// Sweeper periodically purges audit messages and turns older than the
// retention horizon. A failed cycle is logged; the loop keeps running.
type Sweeper struct {
	Store    Purger
	Horizon  time.Duration
	Interval time.Duration
	Log      *logger.Logger
}

// Run sweeps once immediately, then on every interval tick until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one retention pass.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.Horizon)
	if err := s.Store.PurgeOlderThan(cutoff); err != nil {
		s.Log.Error("retention cleanup failed", "error", err)
	}
}
