package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SendRateLimitWindow is the fixed window for message sends.
	SendRateLimitWindow = 60 * time.Second
	// SendRateLimitMax is the number of messages a user may send per window,
	// counted across HTTP and WebSocket and across instances.
	SendRateLimitMax = 60
	// SendRateLimitKeyPrefix is the Redis key prefix for send counters.
	SendRateLimitKeyPrefix = "ratelimit:send:"
)

// SendLimiter counts sends per user in Redis. A nil client or a Redis failure
// allows the send (fail open).
type SendLimiter struct {
	rdb    *redis.Client
	max    int64
	window time.Duration
}

func NewSendLimiter(rdb *redis.Client) *SendLimiter {
	return &SendLimiter{rdb: rdb, max: SendRateLimitMax, window: SendRateLimitWindow}
}

// Allow records one send for userID and reports whether it is within the limit,
// with the number of sends left in the window.
func (l *SendLimiter) Allow(ctx context.Context, userID string) (bool, int64) {
	if l == nil || l.rdb == nil {
		return true, -1
	}
	key := SendRateLimitKeyPrefix + userID

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("ratelimit: send counter failed for %s: %v", userID, err)
		return true, -1
	}

	n := incr.Val()
	if n > l.max {
		return false, 0
	}
	return true, l.max - n
}

// SendRateLimit applies the per-user send limit to POST /api/chat/messages. Use
// after Auth.
func (l *SendLimiter) SendRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := GetUserID(r.Context())
		if r.Method != http.MethodPost || userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ok, remaining := l.Allow(r.Context(), userID)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(fmt.Sprintf(`{"success":false,"message":"You are sending messages too quickly.","retry_after":%d}`, int(l.window.Seconds()))))
			return
		}
		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.max, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		}
		next.ServeHTTP(w, r)
	})
}
