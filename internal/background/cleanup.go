package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimitSweeper deletes rate-limit records whose block and window have both lapsed
type RateLimitSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionSweeper deletes sessions that expired at or before now
type SessionSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupManager periodically removes expired rate-limit records and sessions
type CleanupManager struct {
	rateLimits RateLimitSweeper
	sessions   SessionSweeper
	logger     *slog.Logger
	interval   time.Duration
	timeout    time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager. Either sweeper may be nil.
func NewCleanupManager(
	rateLimits RateLimitSweeper,
	sessions SessionSweeper,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		rateLimits: rateLimits,
		sessions:   sessions,
		logger:     logger,
		interval:   interval,
		timeout:    30 * time.Second,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until Stop is
// called or ctx is cancelled. It blocks, so callers run it in a goroutine.
func (cm *CleanupManager) Start(ctx context.Context) {
	defer close(cm.doneCh)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single sweep of both stores. A failure in one does not skip the other.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	if cm.rateLimits != nil {
		sweepCtx, cancel := context.WithTimeout(ctx, cm.timeout)
		deleted, err := cm.rateLimits.DeleteExpired(sweepCtx)
		cancel()

		if err != nil {
			cm.logger.Error("failed to sweep expired rate limits", slog.Any("error", err))
		} else if deleted > 0 {
			cm.logger.Info("expired rate limits swept", slog.Int64("rows_deleted", deleted))
		}
	}

	if cm.sessions != nil {
		sweepCtx, cancel := context.WithTimeout(ctx, cm.timeout)
		deleted, err := cm.sessions.DeleteExpired(sweepCtx, cm.now())
		cancel()

		if err != nil {
			cm.logger.Error("failed to sweep expired sessions", slog.Any("error", err))
		} else if deleted > 0 {
			cm.logger.Info("expired sessions swept", slog.Int64("rows_deleted", deleted))
		}
	}
}

// Stop signals the cleanup manager to stop and waits for the running sweep to finish.
// Safe to call more than once; must only be called after Start.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
	<-cm.doneCh
}
