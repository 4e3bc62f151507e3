package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures a sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window. Zero disables limiting.
	Max int
	// Window is the length of the sliding window.
	Window time.Duration
	// KeyFunc picks the bucket of a request. Defaults to the client IP.
	KeyFunc func(*http.Request) string
}

// window counts requests of one key in the current and previous fixed
// windows. The sliding count weights the previous window by its overlap.
type window struct {
	start time.Time
	curr  float64
	prev  float64
}

// RateLimiter limits requests per key. Stale keys are evicted by Run.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*window),
	}
}

// allow records a request for key and reports whether it fits the limit,
// along with the remaining budget and the end of the current window.
func (l *RateLimiter) allow(key string) (remaining int, reset time.Time, ok bool) {
	now := l.now()
	start := now.Truncate(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, found := l.keys[key]
	switch {
	case !found:
		w = &window{start: start}
		l.keys[key] = w
	case start.Sub(w.start) == l.cfg.Window:
		w.prev, w.curr, w.start = w.curr, 0, start
	case start.After(w.start):
		w.prev, w.curr, w.start = 0, 0, start
	}

	overlap := 1 - float64(now.Sub(w.start))/float64(l.cfg.Window)
	count := w.prev*overlap + w.curr
	reset = w.start.Add(l.cfg.Window)
	if count >= float64(l.cfg.Max) {
		return 0, reset, false
	}
	w.curr++
	return max(0, int(float64(l.cfg.Max)-count-1)), reset, true
}

// evict drops keys with no requests in the last two windows.
func (l *RateLimiter) evict() {
	cutoff := l.now().Add(-2 * l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.keys {
		if w.start.Before(cutoff) {
			delete(l.keys, key)
		}
	}
}

// Run evicts stale keys every two windows until ctx is done.
func (l *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.evict()
		}
	}
}

// Middleware responds 429 to requests over the limit. Every response carries
// the X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
func (l *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if l.cfg.Max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, reset, ok := l.allow(l.cfg.KeyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				wait := max(0, reset.Sub(l.now()))
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For address, then X-Real-IP, then the
// host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
