package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("resource already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBadRequest         = errors.New("bad request")
	ErrInternalServer     = errors.New("internal server error")
	ErrRateLimitExceeded  = errors.New("too many failed login attempts")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError reports malformed input for a single field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrBadRequest
}

// RateLimitError reports a blocked identifier and when the block ends
type RateLimitError struct {
	BlockedUntil time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many failed login attempts, try again after %s",
		e.BlockedUntil.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfter returns the wait until the block ends, rounded up to whole seconds
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	wait := e.BlockedUntil.Sub(now)
	if wait <= 0 {
		return 0
	}
	if rounded := wait.Truncate(time.Second); rounded != wait {
		return rounded + time.Second
	}
	return wait
}

// AuthenticationError reports bad credentials. It never says which field was wrong.
// RemainingAttempts is UnlimitedAttempts when rate limiting is disabled.
type AuthenticationError struct {
	RemainingAttempts int
}

func (e *AuthenticationError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrInvalidCredentials || target == ErrUnauthorized
}

// StorageError wraps a failure of the backing store for the named operation
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// NewStorageError wraps err unless it is nil or already a StorageError
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
