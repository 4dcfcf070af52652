package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs RunAll every interval until its context ends or Stop is called.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. A non-positive interval means hourly.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = service.logger
	}
	return &Timer{service: service, interval: interval, logger: logger, quit: make(chan struct{})}
}

// Running reports whether the loop is alive; /health checks it.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks; run it in its own goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		case <-ticker.C:
			t.pass(ctx)
		}
	}
}

// Stop ends the loop after the pass in progress, if any. Safe to call more
// than once and before Start.
func (t *Timer) Stop() {
	t.quitOnce.Do(func() { close(t.quit) })
}

// pass keeps a panic in one wallet's replay from taking the loop down.
// RunAll logs its own summary.
func (t *Timer) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("reconciliation pass panicked", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.RunAll(ctx); err != nil && ctx.Err() == nil {
		t.logger.Warn("reconciliation pass failed", "error", err)
	}
}
