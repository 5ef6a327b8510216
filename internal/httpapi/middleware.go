package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimiter is a token bucket per client IP (ported from the
// teacher's internal/node.RateLimiter almost unchanged: the operator
// surface needs the same per-IP throttling the data plane does).
type RateLimiter struct {
	buckets map[string]*tokenBucket
	mutex   sync.RWMutex
	rate    int
	burst   int
	cleanup chan struct{}
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(rate, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   burst,
		cleanup: make(chan struct{}),
	}
	go rl.cleanupStaleEntries()
	return rl
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mutex.Lock()
	bucket, exists := rl.buckets[ip]
	if !exists {
		bucket = &tokenBucket{tokens: rl.burst, lastRefill: time.Now()}
		rl.buckets[ip] = bucket
	}
	rl.mutex.Unlock()

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.rate))
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupStaleEntries() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mutex.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, bucket := range rl.buckets {
				bucket.mutex.Lock()
				if bucket.lastRefill.Before(cutoff) {
					delete(rl.buckets, ip)
				}
				bucket.mutex.Unlock()
			}
			rl.mutex.Unlock()
		case <-rl.cleanup:
			return
		}
	}
}

func (rl *RateLimiter) Close() { close(rl.cleanup) }

// SecurityMiddleware applies rate limiting, a request size cap, and
// security headers to the operator surface (ported from the teacher's
// internal/node.SecurityMiddleware; the SQL/XSS pattern sniffing is
// dropped since operator requests carry structured JSON, not raw
// client data, so it would only ever match on literal slot/peer IDs).
type SecurityMiddleware struct {
	rateLimiter    *RateLimiter
	maxRequestSize int64
	rateLimited    prometheus.Counter
	oversized      prometheus.Counter
}

func NewSecurityMiddleware(rateLimit, burst int, maxRequestSize int64, reg *prometheus.Registry) *SecurityMiddleware {
	sm := &SecurityMiddleware{
		rateLimiter:    NewRateLimiter(rateLimit, burst),
		maxRequestSize: maxRequestSize,
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_operator_rate_limited_requests_total",
			Help: "Total number of rate-limited operator requests.",
		}),
		oversized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_operator_oversized_requests_total",
			Help: "Total number of oversized operator requests rejected.",
		}),
	}
	reg.MustRegister(sm.rateLimited, sm.oversized)
	return sm
}

func (sm *SecurityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		applySecurityHeaders(w)

		clientIP := clientIP(r)
		if !sm.rateLimiter.Allow(clientIP) {
			sm.rateLimited.Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.ContentLength > sm.maxRequestSize {
			sm.oversized.Inc()
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, sm.maxRequestSize)
		next.ServeHTTP(w, r)
	})
}

func (sm *SecurityMiddleware) Close() { sm.rateLimiter.Close() }

func applySecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// TimeoutMiddleware guards against slow-loris style stalls on the
// operator surface (ported from the teacher's TimeoutMiddleware).
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "request timeout")
	}
}
