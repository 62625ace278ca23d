package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coderunr/runbox/internal/metrics"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles execution requests globally and per client IP
type RateLimiter struct {
	global   *rate.Limiter
	ipRate   rate.Limit
	ipBurst  int
	mutex    sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a limiter. A non-positive rate disables that limit.
func NewRateLimiter(globalRPS, perIPRPS float64, perIPBurst int) *RateLimiter {
	rl := &RateLimiter{
		global:   rate.NewLimiter(rate.Inf, 0),
		ipRate:   rate.Inf,
		ipBurst:  perIPBurst,
		visitors: make(map[string]*visitor),
	}
	if globalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRPS), int(globalRPS)*2)
	}
	if perIPRPS > 0 {
		rl.ipRate = rate.Limit(perIPRPS)
	}
	if rl.ipBurst <= 0 {
		rl.ipBurst = 1
	}
	return rl
}

func (rl *RateLimiter) visitor(ip string) *rate.Limiter {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow reports whether a request from ip may proceed
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.global.Allow() || !rl.visitor(ip).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Middleware rejects throttled requests with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Prune forgets clients not seen within idle
func (rl *RateLimiter) Prune(idle time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	for ip, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, ip)
		}
	}
}

// StartCleanup prunes idle clients every interval until stop is closed
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Prune(interval)
			case <-stop:
				return
			}
		}
	}()
}

// clientIP uses the address set by chi's RealIP middleware when present
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
