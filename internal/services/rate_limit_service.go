package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/authgate/internal/models"
	pkglogger "github.com/BradenHooton/authgate/pkg/logger"
)

// RateLimitStore is the storage behind the rate limiter. Implementations must apply
// Increment atomically per identifier and return nil, nil from Get for unknown identifiers.
// ResetExpired must check expiry and delete in one atomic step.
type RateLimitStore interface {
	Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error)
	Increment(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error)
	Reset(ctx context.Context, identifier string) error
	ResetExpired(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time, policy models.RateLimitPolicy) (int64, error)
}

// RateLimitConfig holds configuration for rate limiting behavior
type RateLimitConfig struct {
	Enabled          bool
	Policy           models.RateLimitPolicy
	OperationTimeout time.Duration // bound on each store call; zero means none
}

// RateLimitService counts failed logins per identifier and blocks identifiers
// that reach Policy.MaxAttempts inside Policy.Window.
type RateLimitService struct {
	store  RateLimitStore
	config RateLimitConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewRateLimitService(store RateLimitStore, config RateLimitConfig, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source (for testing)
func (s *RateLimitService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RateLimitService) Enabled() bool {
	return s.config.Enabled
}

func (s *RateLimitService) Policy() models.RateLimitPolicy {
	return s.config.Policy
}

func (s *RateLimitService) unlimited() models.RateLimitStatus {
	return models.RateLimitStatus{RemainingAttempts: models.UnlimitedAttempts}
}

// CheckRateLimit reports whether identifier may attempt a login.
// A record whose window has lapsed is deleted on the way, unless a
// concurrent failure refreshed it between the read and the delete.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, identifier string) (models.RateLimitStatus, error) {
	if !s.config.Enabled {
		return s.unlimited(), nil
	}

	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	now := s.now()
	record, err := s.store.Get(ctx, identifier)
	if err != nil {
		s.logger.Error("rate limit lookup failed",
			slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
			slog.Any("error", err))
		return models.RateLimitStatus{}, models.NewStorageError("rate_limit.check", err)
	}

	if record != nil && record.Expired(now, s.config.Policy) {
		if _, err := s.store.ResetExpired(ctx, identifier, now, s.config.Policy); err != nil {
			// the status below already ignores the expired record
			s.logger.Warn("lazy rate limit reset failed",
				slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
				slog.Any("error", err))
		}
		record = nil
	}

	return record.Status(now, s.config.Policy), nil
}

// IncrementAttempts records exactly one failed attempt and returns the resulting status.
// It is not idempotent.
func (s *RateLimitService) IncrementAttempts(ctx context.Context, identifier string) (models.RateLimitStatus, error) {
	if !s.config.Enabled {
		return s.unlimited(), nil
	}

	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	now := s.now()
	record, err := s.store.Increment(ctx, identifier, now, s.config.Policy)
	if err != nil {
		s.logger.Error("rate limit increment failed",
			slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
			slog.Any("error", err))
		return models.RateLimitStatus{}, models.NewStorageError("rate_limit.increment", err)
	}

	status := record.Status(now, s.config.Policy)
	if status.Blocked {
		s.logger.Warn("identifier blocked",
			slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
			slog.Int("attempts", record.Attempts),
			slog.Time("blocked_until", *status.BlockedUntil))
	}
	return status, nil
}

// ResetAttempts deletes the identifier's record
func (s *RateLimitService) ResetAttempts(ctx context.Context, identifier string) error {
	if !s.config.Enabled {
		return nil
	}

	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	if err := s.store.Reset(ctx, identifier); err != nil {
		return models.NewStorageError("rate_limit.reset", err)
	}
	return nil
}

// DeleteExpired sweeps records whose block and window have both lapsed
func (s *RateLimitService) DeleteExpired(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteExpired(ctx, s.now(), s.config.Policy)
	if err != nil {
		return 0, models.NewStorageError("rate_limit.sweep", err)
	}
	return deleted, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
