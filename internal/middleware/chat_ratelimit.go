package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/salmart/salmart-backend/pkg/clientip"
	"golang.org/x/time/rate"
)

// Chat read rate limit: history, conversation list and bargain lookups are
// refetched on every reconnect and conversation switch, so they get their own
// budget. Keyed by user once Auth has run, by IP otherwise.
// User: 30 req/min, burst 20. IP: 10 req/min, burst 5.

const (
	chatReadUserRPS      = 0.5 // 30/min
	chatReadUserBurst    = 20
	chatReadIPRPS        = 0.17 // ~10/min
	chatReadIPBurst      = 5
	chatReadCleanupEvery = 5 * time.Minute
	chatReadLimiterTTL   = 30 * time.Minute
)

var chatReadPrefixes = []string{
	"/api/chat/history",
	"/api/chat/conversations",
	"/api/bargain/",
}

var (
	chatReadEntries   = make(map[string]*limiterEntry)
	chatReadEntriesMu sync.Mutex
	chatReadCleanup   sync.Once
)

func getChatReadLimiter(key string, perUser bool) *rate.Limiter {
	chatReadEntriesMu.Lock()
	defer chatReadEntriesMu.Unlock()
	chatReadCleanup.Do(func() {
		go cleanupLimiters(&chatReadEntriesMu, chatReadEntries, chatReadCleanupEvery, chatReadLimiterTTL)
	})

	e, ok := chatReadEntries[key]
	if !ok {
		l := rate.NewLimiter(rate.Limit(chatReadIPRPS), chatReadIPBurst)
		if perUser {
			l = rate.NewLimiter(rate.Limit(chatReadUserRPS), chatReadUserBurst)
		}
		e = &limiterEntry{limiter: l}
		chatReadEntries[key] = e
	}
	e.lastUse = time.Now()
	return e.limiter
}

func isChatRead(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	for _, p := range chatReadPrefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// ChatReadRateLimit applies rate limiting to chat GET endpoints only. Returns 429
// with headers when exceeded.
func ChatReadRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isChatRead(r) {
			next.ServeHTTP(w, r)
			return
		}

		key, perUser, limit := "ip:"+clientip.RealClientIP(r), false, chatReadIPBurst
		if userID := GetUserID(r.Context()); userID != "" {
			key, perUser, limit = "user:"+userID, true, chatReadUserBurst
		}
		limiter := getChatReadLimiter(key, perUser)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		if !limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"message":"Too many chat requests. Please slow down."}`))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		next.ServeHTTP(w, r)
	})
}
