package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
	logger *slog.Logger
}

func NewRateLimiter(redisClient redis.Cmdable, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{redis: redisClient, limit: int64(limit), window: window, logger: logger}
}

// Checkout limits order creation and payment calls per user, or per IP for
// anonymous callers. Bound to a route with BindFunc.
func (r *RateLimiter) Checkout(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return e.JSON(http.StatusForbidden, map[string]any{
			"error":     "access_denied",
			"message":   "Access denied",
			"retryable": false,
		})
	}

	key := "ratelimit:checkout:" + identifier(e)
	ctx := e.Request.Context()

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		// redis down: let the request through, settlement does not depend on it
		r.logger.Warn("Rate limiter unavailable", "error", err, "key", key)
		return e.Next()
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			r.logger.Warn("Failed to set rate limit window", "error", err, "key", key)
		}
	}

	if count > r.limit {
		e.Response.Header().Set("Retry-After", fmt.Sprintf("%d", int(r.window.Seconds())))
		return e.JSON(http.StatusTooManyRequests, map[string]any{
			"error":     "rate_limited",
			"message":   "Rate limit exceeded. Please try again later.",
			"retryable": true,
		})
	}

	return e.Next()
}

func identifier(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + remoteIP(e.Request)
}

// remoteIP ignores forwarding headers; they are client controlled unless a
// trusted proxy sets them.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
