package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

const bucketTTL = 5 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter keeps one token bucket per client IP. Idle buckets are swept
// on access.
type ipLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newIPLimiter(cfg RateLimitConfig) *ipLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &ipLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > bucketTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func rateLimitMiddleware(basePath string, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := newIPLimiter(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if ip == "" {
				ip = "unknown"
			}
			if !l.allow(ip) {
				w.Header().Set("Retry-After", "1")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
