package models

import "time"

// UnlimitedAttempts is reported as RemainingAttempts when rate limiting is disabled
const UnlimitedAttempts = -1

// RateLimitPolicy holds the thresholds applied to failed login attempts
type RateLimitPolicy struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// RateLimitRecord tracks failed login attempts for a single identifier (email or ip:<addr>)
type RateLimitRecord struct {
	Identifier   string     `db:"identifier"`
	Attempts     int        `db:"attempts"`
	WindowStart  time.Time  `db:"window_start"`
	LastAttempt  time.Time  `db:"last_attempt"`
	BlockedUntil *time.Time `db:"blocked_until"`
}

// RateLimitStatus is the answer to "may this identifier attempt a login?"
type RateLimitStatus struct {
	Blocked           bool       `json:"blocked"`
	RemainingAttempts int        `json:"remaining_attempts"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// IsBlocked reports whether the block is still active at now
func (r *RateLimitRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// WindowExpired reports whether the attempt window has lapsed at now
func (r *RateLimitRecord) WindowExpired(now time.Time, policy RateLimitPolicy) bool {
	return now.Sub(r.LastAttempt) > policy.Window
}

// Expired reports whether the record carries no information any more:
// no active block and a lapsed window. Expired records are reset lazily or swept.
func (r *RateLimitRecord) Expired(now time.Time, policy RateLimitPolicy) bool {
	return !r.IsBlocked(now) && r.WindowExpired(now, policy)
}

// Status evaluates the record at now. A nil record counts as zero attempts.
//
// An expired block inside a still-open window reports unblocked while keeping the
// stale attempt count, so RemainingAttempts may be 0 with Blocked=false.
func (r *RateLimitRecord) Status(now time.Time, policy RateLimitPolicy) RateLimitStatus {
	if r == nil || r.Expired(now, policy) {
		return RateLimitStatus{RemainingAttempts: policy.MaxAttempts}
	}

	if r.IsBlocked(now) {
		until := *r.BlockedUntil
		return RateLimitStatus{Blocked: true, RemainingAttempts: 0, BlockedUntil: &until}
	}

	remaining := policy.MaxAttempts - r.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitStatus{RemainingAttempts: remaining}
}

// NextFailure returns the record after one more failed attempt at now.
// The receiver may be nil (first failure) and is not modified.
func (r *RateLimitRecord) NextFailure(identifier string, now time.Time, policy RateLimitPolicy) *RateLimitRecord {
	next := &RateLimitRecord{
		Identifier:  identifier,
		Attempts:    1,
		WindowStart: now,
		LastAttempt: now,
	}

	if r != nil && !r.Expired(now, policy) {
		next.Attempts = r.Attempts + 1
		next.WindowStart = r.WindowStart
		if r.BlockedUntil != nil {
			until := *r.BlockedUntil
			next.BlockedUntil = &until
		}
	}

	if next.Attempts >= policy.MaxAttempts {
		until := now.Add(policy.BlockDuration)
		next.BlockedUntil = &until
	}

	return next
}

// ExpiresAt is the instant after which the record is Expired
func (r *RateLimitRecord) ExpiresAt(policy RateLimitPolicy) time.Time {
	expiry := r.LastAttempt.Add(policy.Window)
	if r.BlockedUntil != nil && r.BlockedUntil.After(expiry) {
		expiry = *r.BlockedUntil
	}
	return expiry
}
