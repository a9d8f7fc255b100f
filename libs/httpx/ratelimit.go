package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is an in-process fixed-window limiter, for single-instance and local runs.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*fixedWindow
	swept   time.Time
}

type fixedWindow struct {
	hits    int64
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, now: time.Now, windows: map[string]*fixedWindow{}}
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits, resetIn := rl.hit(clientKey(r))
			if !admit(w, rl.limit, hits, resetIn) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hit counts one request for key and reports the hits so far in the current window.
func (rl *RateLimiter) hit(key string) (int64, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > rl.window {
		for k, fw := range rl.windows {
			if !now.Before(fw.resetAt) {
				delete(rl.windows, k)
			}
		}
		rl.swept = now
	}

	fw, ok := rl.windows[key]
	if !ok || !now.Before(fw.resetAt) {
		fw = &fixedWindow{resetAt: now.Add(rl.window)}
		rl.windows[key] = fw
	}
	fw.hits++
	return fw.hits, fw.resetAt.Sub(now)
}

// admit sets the rate limit headers and writes a 429 once hits exceed limit.
func admit(w http.ResponseWriter, limit int, hits int64, resetIn time.Duration) bool {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(int64(limit)-hits, 0), 10))
	if hits <= int64(limit) {
		return true
	}
	h.Set("Retry-After", strconv.Itoa(int((resetIn+time.Second-1)/time.Second)))
	WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	return false
}

// clientKey identifies the caller: the edge-supplied user id if present, else the client IP.
func clientKey(r *http.Request) string {
	if uid := strings.TrimSpace(r.Header.Get(UserIDHeader)); uid != "" {
		return "user:" + uid
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
