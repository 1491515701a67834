package oauth

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Sweeper garbage-collects expired state records on an interval.
type Sweeper struct {
	target   purger
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(target purger, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{target: target, interval: interval, log: logger}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled. The
// returned channel closes once the loop has exited.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.log.Info("oauth state sweeper started", zap.Duration("interval", s.interval))
		defer s.log.Info("oauth state sweeper stopped")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweepOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
	return done
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.target.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("oauth state sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("expired oauth states purged", zap.Int("count", n))
	}
}
