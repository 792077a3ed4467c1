package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/BradenHooton/authgate/internal/database"
	"github.com/BradenHooton/authgate/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RateLimitRepository stores rate-limit records in the rate_limits table.
// Every increment is a single atomic upsert, so concurrent failures never lose a count.
type RateLimitRepository struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepository(db *database.DB) *RateLimitRepository {
	return &RateLimitRepository{pool: db.Pool}
}

const rateLimitColumns = `identifier, attempts, window_start, last_attempt, blocked_until`

func scanRateLimitRow(op string, scanner rowScanner) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	err := scanner.Scan(&rec.Identifier, &rec.Attempts, &rec.WindowStart, &rec.LastAttempt, &rec.BlockedUntil)
	if err != nil {
		return nil, database.MapPostgresError(op, err)
	}
	return &rec, nil
}

// Get returns the stored record, or nil when none exists
func (r *RateLimitRepository) Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error) {
	query := `SELECT ` + rateLimitColumns + ` FROM rate_limits WHERE identifier = $1`

	rec, err := scanRateLimitRow("rate_limit.get", r.pool.QueryRow(ctx, query, identifier))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Increment records one failure at now. The CASE expressions mirror
// models.RateLimitRecord.NextFailure: an expired record restarts at 1,
// and reaching MaxAttempts sets blocked_until to now + BlockDuration.
//
// $1 identifier, $2 now, $3 now - window, $4 now + block, $5 max attempts
func (r *RateLimitRepository) Increment(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error) {
	query := `
		INSERT INTO rate_limits AS rl (identifier, attempts, window_start, last_attempt, blocked_until)
		VALUES ($1, 1, $2, $2, CASE WHEN 1 >= $5::int THEN $4::timestamptz END)
		ON CONFLICT (identifier) DO UPDATE SET
			attempts = CASE
				WHEN ` + expiredPredicate + ` THEN 1
				ELSE rl.attempts + 1
			END,
			window_start = CASE
				WHEN ` + expiredPredicate + ` THEN $2::timestamptz
				ELSE rl.window_start
			END,
			blocked_until = CASE
				WHEN ` + expiredPredicate + ` THEN CASE WHEN 1 >= $5::int THEN $4::timestamptz END
				WHEN rl.attempts + 1 >= $5::int THEN $4::timestamptz
				ELSE rl.blocked_until
			END,
			last_attempt = $2::timestamptz
		RETURNING ` + rateLimitColumns

	return scanRateLimitRow("rate_limit.increment", r.pool.QueryRow(ctx, query,
		identifier,
		now,
		now.Add(-policy.Window),
		now.Add(policy.BlockDuration),
		policy.MaxAttempts,
	))
}

// expiredPredicate matches models.RateLimitRecord.Expired on the existing row
const expiredPredicate = `((rl.blocked_until IS NULL OR rl.blocked_until <= $2::timestamptz) AND rl.last_attempt < $3::timestamptz)`

func (r *RateLimitRepository) Reset(ctx context.Context, identifier string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM rate_limits WHERE identifier = $1`, identifier)
	return database.MapPostgresError("rate_limit.reset", err)
}

// ResetExpired deletes the record in the same statement that checks it is expired,
// so a failure recorded concurrently keeps the row alive
func (r *RateLimitRepository) ResetExpired(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (bool, error) {
	query := `DELETE FROM rate_limits AS rl WHERE rl.identifier = $1 AND ` + expiredPredicate

	result, err := r.pool.Exec(ctx, query, identifier, now, now.Add(-policy.Window))
	if err != nil {
		return false, database.MapPostgresError("rate_limit.reset_expired", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeleteExpired removes records whose block and window have both lapsed
func (r *RateLimitRepository) DeleteExpired(ctx context.Context, now time.Time, policy models.RateLimitPolicy) (int64, error) {
	query := `
		DELETE FROM rate_limits
		WHERE (blocked_until IS NULL OR blocked_until <= $1)
		  AND last_attempt < $2
	`

	result, err := r.pool.Exec(ctx, query, now, now.Add(-policy.Window))
	if err != nil {
		return 0, database.MapPostgresError("rate_limit.delete_expired", err)
	}
	return result.RowsAffected(), nil
}
