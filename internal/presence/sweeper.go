package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the sweeper purges stale entries.
const DefaultSweepInterval = 30 * time.Second

type staleSweeper interface {
	SweepStale(ctx context.Context) (int64, error)
}

// Sweeper calls SweepStale on a fixed interval, independent of any request.
type Sweeper struct {
	store    staleSweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper constructs a sweeper for the given store.
func NewSweeper(store Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	removed, err := s.store.SweepStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("presence sweep failed", zap.Error(err))
		}
		return
	}
	if removed > 0 {
		s.logger.Debug("presence sweep removed stale entries", zap.Int64("removed", removed))
	}
}
