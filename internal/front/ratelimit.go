package front

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnLimiter throttles connection attempts per client address so one
// misconfigured load generator cannot monopolize the front. Idle
// clients are forgotten after TTL.
type ConnLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time

	rate  rate.Limit
	burst int

	ttl    time.Duration
	Cancel context.CancelFunc
}

// NewConnLimiter allows requests attempts per window for each client
// address and starts the idle-entry cleanup loop.
func NewConnLimiter(requests int, window, ttl, cleanupEvery time.Duration) *ConnLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &ConnLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate.Every(window / time.Duration(requests)),
		burst:    requests,
		ttl:      ttl,
		Cancel:   cancel,
	}
	go cl.cleanup(ctx, cleanupEvery)
	return cl
}

func (cl *ConnLimiter) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cl.mu.Lock()
			for ip, seen := range cl.lastSeen {
				if time.Since(seen) > cl.ttl {
					delete(cl.limiters, ip)
					delete(cl.lastSeen, ip)
				}
			}
			cl.mu.Unlock()
		}
	}
}

// ClientIP extracts the caller address, preferring the last
// X-Forwarded-For hop when a proxy fronts the service.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		return strings.TrimSpace(hops[len(hops)-1])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Warn("invalid argument for net.SplitHostPort()",
			slog.String("remote_addr", r.RemoteAddr))
		return r.RemoteAddr
	}
	return host
}

// Allow reports whether this client may open another connection now.
func (cl *ConnLimiter) Allow(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	bucket, ok := cl.limiters[ip]
	if !ok {
		bucket = rate.NewLimiter(cl.rate, cl.burst)
		cl.limiters[ip] = bucket
	}
	cl.lastSeen[ip] = time.Now()
	return bucket.Allow()
}

// Middleware rejects over-limit clients with 429 before the upgrade.
func (cl *ConnLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !cl.Allow(ip) {
			slog.WarnContext(r.Context(), "rate limit exceeded",
				"ip", ip,
				"path", r.URL.Path,
				"method", r.Method)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
