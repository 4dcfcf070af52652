package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const sweepBatch = 100

// Sweeper periodically recovers events abandoned mid-handler.
type Sweeper struct {
	processor *Processor
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewSweeper creates a new stale-event sweeper.
func NewSweeper(processor *Processor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		processor: processor,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweeper loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in webhook sweeper", "panic", fmt.Sprint(r))
		}
	}()

	reattempted, released, err := s.processor.SweepStale(ctx, sweepBatch)
	if err != nil {
		s.logger.Warn("webhook sweep failed", "error", err)
		return
	}
	if reattempted > 0 || released > 0 {
		s.logger.Info("webhook sweep finished", "reattempted", reattempted, "released", released)
	}
}
