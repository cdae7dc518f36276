package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/clock"
)

// DefaultSweepInterval is how often expired sessions are swept.
const DefaultSweepInterval = time.Hour

// Purger is implemented by *Manager.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper runs PurgeExpired on a fixed interval.
type Sweeper struct {
	purger   Purger
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. Zero values select DefaultSweepInterval,
// the real clock and slog.Default().
func NewSweeper(p Purger, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{purger: p, clock: clk, interval: interval, logger: logger}
}

// Start registers the ticker and sweeps in a goroutine until ctx is
// cancelled. The returned channel is closed when the goroutine exits.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	ticker := s.clock.NewTicker(s.interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		s.logger.Debug("sweeper started", "interval", s.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	return done
}

// Sweep runs one purge. Failures are logged and retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	if _, err := s.purger.PurgeExpired(ctx); err != nil {
		s.logger.Warn("sweep failed", "kind", KindOf(err), "err", err)
	}
}
