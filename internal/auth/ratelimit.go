// ratelimit.go -- Admission control for authentication-sensitive endpoints.
//
// Fixed window per (endpoint class, identity). The counter lives in Redis; if Redis
// cannot answer, the request is admitted and the outage is logged as a security event.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/store"
)

// EndpointClass groups routes that share a rate limit.
type EndpointClass string

const (
	ClassLogin    EndpointClass = "login"
	ClassDownload EndpointClass = "download"
	ClassAPI      EndpointClass = "api"
)

// RateLimitPolicies maps each endpoint class to its window policy.
type RateLimitPolicies map[EndpointClass]store.RateLimit

// DefaultRateLimitPolicies: login 5/15m, download 50/1h, general API 100/1m.
func DefaultRateLimitPolicies() RateLimitPolicies {
	return RateLimitPolicies{
		ClassLogin:    {MaxAttempts: 5, Window: 15 * time.Minute},
		ClassDownload: {MaxAttempts: 50, Window: time.Hour},
		ClassAPI:      {MaxAttempts: 100, Window: time.Minute},
	}
}

// RateCounter checks and records one attempt against key.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateCounter interface {
	// Allow increments the counter unless it already reached policy.MaxAttempts.
	// On denial returns store.ErrRateLimitExceeded and the time until the window resets.
	// Any other error is an infrastructure failure.
	Allow(ctx context.Context, key string, policy store.RateLimit) (time.Duration, error)
}

// Identity is who a request is counted against: the authenticated user if known,
// otherwise the client address.
type Identity struct {
	UserID uuid.UUID
	IP     string
}

// Key renders the identity part of the counter key: "user:<id>" or "ip:<addr>".
func (id Identity) Key() string {
	if id.UserID != uuid.Nil {
		return "user:" + id.UserID.String()
	}
	return "ip:" + id.IP
}

// RateLimiter gates requests per endpoint class.
type RateLimiter struct {
	Counter  RateCounter
	Policies RateLimitPolicies
	Timeout  time.Duration // bound on each counter call; 0 disables
}

// Check admits or denies one request. Returns nil when admitted, *RateLimitError when
// denied. Counter failures and timeouts admit the request.
func (l *RateLimiter) Check(ctx context.Context, class EndpointClass, id Identity) error {
	policy, ok := l.Policies[class]
	if !ok || policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return nil
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	key := "rl:" + string(class) + ":" + id.Key()
	retryAfter, err := l.Counter.Allow(ctx, key, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrRateLimitExceeded) {
		if retryAfter <= 0 {
			retryAfter = policy.Window
		}
		return &RateLimitError{Class: class, RetryAfter: retryAfter}
	}

	slog.Error("rate limiter unavailable, admitting request",
		"event", "security.rate_limit_fail_open",
		"class", string(class),
		"key", key,
		"error", err,
	)
	return nil
}
