package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/authgate/internal/models"
	"github.com/redis/go-redis/v9"
)

// incrementScript applies one failure atomically. It mirrors
// models.RateLimitRecord.NextFailure on millisecond timestamps; blocked_until 0 means no block.
//
// KEYS[1] record key
// ARGV: now_ms, window_ms, block_ms, max_attempts
const incrementScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local max = tonumber(ARGV[4])

local cur = redis.call('HMGET', key, 'attempts', 'window_start', 'last_attempt', 'blocked_until')
local attempts = tonumber(cur[1] or '0')
local windowStart = tonumber(cur[2] or '0')
local last = tonumber(cur[3] or '0')
local blocked = tonumber(cur[4] or '0')

if cur[1] == false or (blocked <= now and now - last > window) then
	attempts = 1
	windowStart = now
	blocked = 0
else
	attempts = attempts + 1
end

if attempts >= max then
	blocked = now + block
end

redis.call('HSET', key,
	'attempts', string.format('%d', attempts),
	'window_start', string.format('%d', windowStart),
	'last_attempt', string.format('%d', now),
	'blocked_until', string.format('%d', blocked))

-- Expired is strict (now - last > window), so the key lives one ms past now + window
local expireAt = now + window + 1
if blocked > expireAt then
	expireAt = blocked
end
redis.call('PEXPIREAT', key, string.format('%d', expireAt))

return {attempts, windowStart, now, blocked}
`

var incrementLua = redis.NewScript(incrementScript)

// resetExpiredScript deletes the key only if the record is expired at now_ms.
//
// KEYS[1] record key
// ARGV: now_ms, window_ms
const resetExpiredScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local cur = redis.call('HMGET', key, 'last_attempt', 'blocked_until')
if cur[1] == false then
	return 0
end

local last = tonumber(cur[1])
local blocked = tonumber(cur[2] or '0')
if blocked <= now and now - last > window then
	return redis.call('DEL', key)
end
return 0
`

var resetExpiredLua = redis.NewScript(resetExpiredScript)

// RedisRateLimitStore keeps one hash per identifier. Keys expire once the
// record is Expired, so DeleteExpired has nothing to sweep.
type RedisRateLimitStore struct {
	redis     redis.UniversalClient
	keyPrefix string
}

func NewRedisRateLimitStore(client redis.UniversalClient, keyPrefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{redis: client, keyPrefix: keyPrefix}
}

func (s *RedisRateLimitStore) key(identifier string) string {
	return s.keyPrefix + ":" + identifier
}

// Get returns the stored record, or nil when none exists
func (s *RedisRateLimitStore) Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(identifier)).Result()
	if err != nil {
		return nil, models.NewStorageError("rate_limit.get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	values := make([]int64, 4)
	for i, name := range []string{"attempts", "window_start", "last_attempt", "blocked_until"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, models.NewStorageError("rate_limit.get", fmt.Errorf("corrupt field %s: %w", name, err))
		}
		values[i] = v
	}

	return recordFromMillis(identifier, values), nil
}

func (s *RedisRateLimitStore) Increment(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error) {
	values, err := incrementLua.Run(ctx, s.redis, []string{s.key(identifier)},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.BlockDuration.Milliseconds(),
		policy.MaxAttempts,
	).Int64Slice()
	if err != nil {
		return nil, models.NewStorageError("rate_limit.increment", err)
	}
	if len(values) != 4 {
		return nil, models.NewStorageError("rate_limit.increment", fmt.Errorf("unexpected script reply length %d", len(values)))
	}

	return recordFromMillis(identifier, values), nil
}

func (s *RedisRateLimitStore) Reset(ctx context.Context, identifier string) error {
	if err := s.redis.Del(ctx, s.key(identifier)).Err(); err != nil {
		return models.NewStorageError("rate_limit.reset", err)
	}
	return nil
}

func (s *RedisRateLimitStore) ResetExpired(ctx context.Context, identifier string, now time.Time, policy models.RateLimitPolicy) (bool, error) {
	deleted, err := resetExpiredLua.Run(ctx, s.redis, []string{s.key(identifier)},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, models.NewStorageError("rate_limit.reset_expired", err)
	}
	return deleted > 0, nil
}

// DeleteExpired is a no-op: Redis expires keys on its own
func (s *RedisRateLimitStore) DeleteExpired(context.Context, time.Time, models.RateLimitPolicy) (int64, error) {
	return 0, nil
}

// recordFromMillis builds a record from attempts, window_start, last_attempt, blocked_until
func recordFromMillis(identifier string, v []int64) *models.RateLimitRecord {
	rec := &models.RateLimitRecord{
		Identifier:  identifier,
		Attempts:    int(v[0]),
		WindowStart: time.UnixMilli(v[1]),
		LastAttempt: time.UnixMilli(v[2]),
	}
	if v[3] > 0 {
		until := time.UnixMilli(v[3])
		rec.BlockedUntil = &until
	}
	return rec
}
