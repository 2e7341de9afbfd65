// redis.go -- go-redis client for rate limit counters and the profile cache.
//
// Redis holds only ephemeral state. Counters expire with their window; cached profiles
// are a fast path in front of Postgres and are encrypted because they carry PII.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/fieldcrypt"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings.
// One client is shared by the cache, the rate limiter and the mail queue.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RedisStore caches derived user profiles.
type RedisStore struct {
	rdb    *redis.Client
	cipher *fieldcrypt.Cipher
}

// NewRedisStore wraps a shared client; cipher encrypts cached payloads.
func NewRedisStore(rdb *redis.Client, cipher *fieldcrypt.Cipher) *RedisStore {
	return &RedisStore{rdb: rdb, cipher: cipher}
}

func profileKey(userID uuid.UUID) string {
	return fmt.Sprintf("profile:%s", userID)
}

// SetProfile caches p for ttl.
func (s *RedisStore) SetProfile(ctx context.Context, p *CachedProfile, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	enc, err := s.cipher.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("encrypting profile: %w", err)
	}
	if err := s.rdb.Set(ctx, profileKey(p.UserID), enc, ttl).Err(); err != nil {
		return fmt.Errorf("caching profile: %w", err)
	}
	return nil
}

// GetProfile returns the cached profile. Returns ErrCacheMiss if absent; a payload that
// fails to decrypt or parse is an error, never a miss.
func (s *RedisStore) GetProfile(ctx context.Context, userID uuid.UUID) (*CachedProfile, error) {
	enc, err := s.rdb.Get(ctx, profileKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	raw, err := s.cipher.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("decrypting cached profile: %w", err)
	}
	var p CachedProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parsing cached profile: %w", err)
	}
	return &p, nil
}

// DeleteProfile drops the cached profile so the next read goes to Postgres.
func (s *RedisStore) DeleteProfile(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Del(ctx, profileKey(userID)).Err(); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return nil
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisRateLimiter implements fixed-window counters in Redis.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps a shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// allowScript checks and increments one counter atomically.
// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = window in ms.
// Returns {admitted (0|1), remaining window in ms}. The window starts at the first
// admitted request and is never extended by later ones.
var allowScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= limit then
    return {0, redis.call('PTTL', KEYS[1])}
end
redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    ttl = tonumber(ARGV[2])
end
return {1, ttl}
`)

// Allow admits one attempt against key under policy.
// Returns ErrRateLimitExceeded with the time left in the window when denied.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) (time.Duration, error) {
	res, err := allowScript.Run(ctx, l.rdb, []string{key}, policy.MaxAttempts, policy.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	remaining := time.Duration(res[1]) * time.Millisecond
	if res[0] == 0 {
		return remaining, ErrRateLimitExceeded
	}
	return remaining, nil
}
