package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// corsMiddleware answers preflight requests and stamps CORS headers for
// origins on the allow list. An empty list disables cross-origin access.
func corsMiddleware(allowOrigins []string, next http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return next
	}
	origins := make(map[string]bool, len(allowOrigins))
	allowAll := false
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	const (
		methodStr = "GET, POST, DELETE, OPTIONS"
		headerStr = "Content-Type, Authorization"
		maxAgeStr = "3600"
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", methodStr)
			w.Header().Set("Access-Control-Allow-Headers", headerStr)
			w.Header().Set("Access-Control-Max-Age", maxAgeStr)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenBucket is a simple refilling rate limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(perMinute, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// rateLimiter enforces a per-client budget on task submissions. Buckets are
// keyed by remote address and evicted after an hour of silence.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	perMinute int
	burst     int
	lastSweep time.Time
}

func newRateLimiter(perMinute, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:   map[string]*tokenBucket{},
		perMinute: perMinute,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	tb, ok := rl.buckets[key]
	if !ok {
		tb = newTokenBucket(rl.perMinute, rl.burst)
		rl.buckets[key] = tb
	}
	if time.Since(rl.lastSweep) > time.Hour {
		cutoff := time.Now().Add(-time.Hour)
		for k, bucket := range rl.buckets {
			bucket.mu.Lock()
			idle := bucket.lastAccess.Before(cutoff)
			bucket.mu.Unlock()
			if idle {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = time.Now()
	}
	rl.mu.Unlock()
	return tb.allow()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitEnqueues applies the rate limiter to mutating submissions only;
// reads and the stream stay unthrottled.
func (s *Server) limitEnqueues(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutating := r.Method == http.MethodPost &&
			(r.URL.Path == "/api/tasks" || r.URL.Path == "/api/supersede" || strings.HasPrefix(r.URL.Path, "/api/schedules"))
		if mutating && !s.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
