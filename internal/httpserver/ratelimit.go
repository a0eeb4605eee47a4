package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter limits requests per IP using Redis INCR + EXPIRE.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per IP within
// the given window.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, window: window}
}

// Allow increments the counter for ip and reports whether the request is
// within the configured limit, along with the number of requests remaining
// and the time the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) (allowed bool, remaining int, resetAt time.Time, err error) {
	key := fmt.Sprintf("ratelimit:%s", ip)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, time.Time{}, fmt.Errorf("checking rate limit: %w", err)
	}

	count := incr.Val()
	if count == 1 {
		if err := rl.redis.Expire(ctx, key, rl.window).Err(); err != nil {
			return false, 0, time.Time{}, fmt.Errorf("setting rate limit expiry: %w", err)
		}
		resetAt = time.Now().Add(rl.window)
	} else if d := ttl.Val(); d > 0 {
		resetAt = time.Now().Add(d)
	} else {
		resetAt = time.Now().Add(rl.window)
	}

	if int(count) > rl.limit {
		return false, 0, resetAt, nil
	}

	return true, rl.limit - int(count), resetAt, nil
}

// Middleware enforces the per-IP limit on every request it wraps.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, remaining, resetAt, err := rl.Allow(r.Context(), ip)
		if err != nil {
			// Fail open: a Redis outage should not take down the API surface.
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(resetAt).Seconds())))
			RespondProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded", "too many requests from this client")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
