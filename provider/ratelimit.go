package provider

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vitwit/ivxp/types"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

type ipLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &rateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*ipLimiter),
	}
}

func (l *rateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	il, ok := l.limiters[ip]
	if !ok {
		il = &ipLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = il
	}
	il.last = now
	return il.limiter.AllowN(now, 1)
}

// cleanup drops limiters idle for longer than limiterIdleTTL.
func (l *rateLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, il := range l.limiters {
		if now.Sub(il.last) > limiterIdleTTL {
			delete(l.limiters, ip)
		}
	}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(remoteIP(r), time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{
				Error:      "rate limit exceeded",
				StatusCode: http.StatusTooManyRequests,
				Code:       types.ErrServiceUnavailable,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
