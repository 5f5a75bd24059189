package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/cache"
)

// RateLimiter allows limit requests per client IP in each fixed window.
// If Redis is unavailable requests are let through.
func RateLimiter(redisClient *cache.Redis, limit int, window time.Duration, log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := fmt.Sprintf("ratelimit:%s", clientIP(r))

			// Increment request count
			count, err := redisClient.Incr(ctx, key)
			if err != nil {
				log.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			// Set expiry on first request
			if count == 1 {
				if err := redisClient.Expire(ctx, key, window); err != nil {
					log.Warn("failed to set rate limit window", zap.Error(err))
				}
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			if count > int64(limit) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
				return
			}

			remaining := limit - int(count)
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
