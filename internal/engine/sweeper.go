package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes old terminal handoffs.
type Sweeper struct {
	Engine    *Engine
	Interval  time.Duration
	Retention time.Duration
	Logger    *zap.Logger
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s Sweeper) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := s.Engine.CleanupOldHandoffs(ctx, s.Retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("retention sweep failed", zap.Error(err))
		case n > 0:
			logger.Info("retention sweep removed handoffs", zap.Int("removed", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
