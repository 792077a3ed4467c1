package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/authgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rateLimitStore is the contract every backend satisfies
type rateLimitStore interface {
	Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error)
	Increment(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error)
	Reset(ctx context.Context, identifier string) error
	ResetExpired(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time, policy models.RateLimitPolicy) (int64, error)
}

var testPolicy = models.RateLimitPolicy{
	MaxAttempts:   5,
	Window:        15 * time.Minute,
	BlockDuration: 30 * time.Minute,
}

// runRateLimitStoreTests checks the shared state machine against a backend.
// newStore must return an empty store; base is the first attempt time.
func runRateLimitStoreTests(t *testing.T, newStore func(t *testing.T) rateLimitStore, base time.Time) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		rec, err := store.Get(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("FirstFailureCreatesRecord", func(t *testing.T) {
		store := newStore(t)
		rec, err := store.Increment(ctx, "a@example.com", base, testPolicy)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Attempts)
		assert.True(t, rec.WindowStart.Equal(base))
		assert.True(t, rec.LastAttempt.Equal(base))
		assert.Nil(t, rec.BlockedUntil)

		got, err := store.Get(ctx, "a@example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("BlocksAtMaxAttempts", func(t *testing.T) {
		store := newStore(t)
		var rec *models.RateLimitRecord
		var err error
		for i := 0; i < testPolicy.MaxAttempts; i++ {
			rec, err = store.Increment(ctx, "b@example.com", base.Add(time.Duration(i)*time.Minute), testPolicy)
			require.NoError(t, err)
			if i < testPolicy.MaxAttempts-1 {
				assert.Nil(t, rec.BlockedUntil, "attempt %d must not block", i+1)
			}
		}

		require.NotNil(t, rec.BlockedUntil)
		last := base.Add(time.Duration(testPolicy.MaxAttempts-1) * time.Minute)
		assert.True(t, rec.BlockedUntil.Equal(last.Add(testPolicy.BlockDuration)))
		assert.Equal(t, testPolicy.MaxAttempts, rec.Attempts)
		assert.True(t, rec.WindowStart.Equal(base), "window start is kept while the window is open")
	})

	t.Run("WindowExpiryRestartsCount", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 3; i++ {
			_, err := store.Increment(ctx, "c@example.com", base, testPolicy)
			require.NoError(t, err)
		}

		later := base.Add(testPolicy.Window + time.Second)
		rec, err := store.Increment(ctx, "c@example.com", later, testPolicy)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Attempts)
		assert.True(t, rec.WindowStart.Equal(later))
	})

	t.Run("StaleAttemptsReblockAfterBlockExpires", func(t *testing.T) {
		policy := models.RateLimitPolicy{MaxAttempts: 3, Window: time.Hour, BlockDuration: 10 * time.Minute}
		store := newStore(t)
		for i := 0; i < 3; i++ {
			_, err := store.Increment(ctx, "d@example.com", base, policy)
			require.NoError(t, err)
		}

		// block over, window still open
		after := base.Add(11 * time.Minute)
		rec, err := store.Increment(ctx, "d@example.com", after, policy)
		require.NoError(t, err)
		assert.Equal(t, 4, rec.Attempts)
		require.NotNil(t, rec.BlockedUntil)
		assert.True(t, rec.BlockedUntil.Equal(after.Add(policy.BlockDuration)))
	})

	t.Run("ResetDeletesRecord", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Increment(ctx, "e@example.com", base, testPolicy)
		require.NoError(t, err)

		require.NoError(t, store.Reset(ctx, "e@example.com"))
		rec, err := store.Get(ctx, "e@example.com")
		require.NoError(t, err)
		assert.Nil(t, rec)

		require.NoError(t, store.Reset(ctx, "e@example.com"), "reset of a missing record succeeds")
	})

	t.Run("ResetExpiredOnlyDeletesExpiredRecords", func(t *testing.T) {
		store := newStore(t)

		deleted, err := store.ResetExpired(ctx, "missing@example.com", base, testPolicy)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = store.Increment(ctx, "live@example.com", base, testPolicy)
		require.NoError(t, err)
		deleted, err = store.ResetExpired(ctx, "live@example.com", base.Add(testPolicy.Window), testPolicy)
		require.NoError(t, err)
		assert.False(t, deleted, "window not yet lapsed")

		for i := 0; i < testPolicy.MaxAttempts; i++ {
			_, err = store.Increment(ctx, "blocked@example.com", base, testPolicy)
			require.NoError(t, err)
		}
		deleted, err = store.ResetExpired(ctx, "blocked@example.com", base.Add(testPolicy.Window+time.Minute), testPolicy)
		require.NoError(t, err)
		assert.False(t, deleted, "block still active")

		deleted, err = store.ResetExpired(ctx, "live@example.com", base.Add(testPolicy.Window+time.Minute), testPolicy)
		require.NoError(t, err)
		assert.True(t, deleted)
		rec, err := store.Get(ctx, "live@example.com")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("ResetExpiredKeepsRefreshedRecord", func(t *testing.T) {
		store := newStore(t)
		later := base.Add(testPolicy.Window + time.Minute)

		_, err := store.Increment(ctx, "k@example.com", base, testPolicy)
		require.NoError(t, err)

		// a caller read the stale record; a new failure lands before its reset
		_, err = store.Increment(ctx, "k@example.com", later, testPolicy)
		require.NoError(t, err)

		deleted, err := store.ResetExpired(ctx, "k@example.com", later, testPolicy)
		require.NoError(t, err)
		assert.False(t, deleted)

		rec, err := store.Get(ctx, "k@example.com")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 1, rec.Attempts)
	})

	t.Run("IdentifiersAreIndependent", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < testPolicy.MaxAttempts; i++ {
			_, err := store.Increment(ctx, "f@example.com", base, testPolicy)
			require.NoError(t, err)
		}

		rec, err := store.Get(ctx, "g@example.com")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("ConcurrentIncrementsAreCounted", func(t *testing.T) {
		store := newStore(t)
		policy := models.RateLimitPolicy{MaxAttempts: 100, Window: time.Hour, BlockDuration: time.Hour}

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Increment(ctx, "h@example.com", base, policy)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := store.Get(ctx, "h@example.com")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 20, rec.Attempts)
	})
}

// runSweepTests checks DeleteExpired for backends that sweep
func runSweepTests(t *testing.T, newStore func(t *testing.T) rateLimitStore, base time.Time) {
	ctx := context.Background()
	store := newStore(t)

	// stale: window lapsed, never blocked
	_, err := store.Increment(ctx, "stale@example.com", base, testPolicy)
	require.NoError(t, err)

	// blocked: block still active at sweep time
	for i := 0; i < testPolicy.MaxAttempts; i++ {
		_, err := store.Increment(ctx, "blocked@example.com", base.Add(10*time.Minute), testPolicy)
		require.NoError(t, err)
	}

	// fresh: inside the window
	sweepAt := base.Add(testPolicy.Window + 20*time.Minute)
	_, err = store.Increment(ctx, "fresh@example.com", sweepAt.Add(-time.Minute), testPolicy)
	require.NoError(t, err)

	deleted, err := store.DeleteExpired(ctx, sweepAt, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rec, err := store.Get(ctx, "stale@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)

	for _, id := range []string{"blocked@example.com", "fresh@example.com"} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, rec, id)
	}
}

func TestMemoryRateLimitStore(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newStore := func(t *testing.T) rateLimitStore { return NewMemoryRateLimitStore() }

	runRateLimitStoreTests(t, newStore, base)
	t.Run("Sweep", func(t *testing.T) { runSweepTests(t, newStore, base) })
}

func TestMemoryRateLimitStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryRateLimitStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := store.Increment(context.Background(), "a@example.com", base, testPolicy)
	require.NoError(t, err)
	rec.Attempts = 99

	got, err := store.Get(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, store.Len())
}
