package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"visitorlog/httputil"
	"visitorlog/metrics"
)

// UnknownKey is used when no client address can be determined.
const UnknownKey = "unknown"

// RateLimiter is a per-key fixed window counter.
// Suitable for a single-instance deployment; state is lost on restart.
type RateLimiter struct {
	name   string
	mu     sync.Mutex
	keys   map[string]*window
	limit  int           // requests per window
	period time.Duration // window length
	now    func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithName labels the limiter in metrics and logs.
func WithName(name string) Option {
	return func(rl *RateLimiter) { rl.name = name }
}

// New creates a RateLimiter allowing limit requests per key per window.
func New(limit int, period time.Duration, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		name:   "default",
		keys:   make(map[string]*window),
		limit:  limit,
		period: period,
		now:    time.Now,
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Allow records one request for key. When the key is over its limit it
// returns false and the time left until its window resets. Rejected
// requests do not count.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if key == "" {
		key = UnknownKey
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.keys[key]
	if !ok || now.After(w.resetAt) {
		rl.keys[key] = &window{count: 1, resetAt: now.Add(rl.period)}
		if !ok {
			metrics.RateLimitEntries.WithLabelValues(rl.name).Set(float64(len(rl.keys)))
		}
		return true, 0
	}
	if w.count >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// Sweep drops every key whose window has ended and returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, w := range rl.keys {
		if now.After(w.resetAt) {
			delete(rl.keys, key)
			removed++
		}
	}
	metrics.RateLimitEntries.WithLabelValues(rl.name).Set(float64(len(rl.keys)))
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.keys)
}

// Run sweeps once per window until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// trustedCIDRs are Docker/loopback networks whose proxy headers we trust.
var trustedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",    // loopback
		"10.0.0.0/8",     // Docker default bridge & overlay
		"172.16.0.0/12",  // Docker default bridge range
		"192.168.0.0/16", // common local networks
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
	}
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

func isTrustedProxy(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP extracts the real client IP for rate limiting.
// Only trusts X-Real-IP / X-Forwarded-For when the request comes from a
// known proxy (Docker internal network or loopback). Direct connections
// from the internet use RemoteAddr, preventing header-spoofed bypasses.
func ClientIP(r *http.Request) string {
	if isTrustedProxy(r.RemoteAddr) {
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			// Only trust the first IP (set by the outermost proxy).
			if idx := strings.IndexByte(forwarded, ','); idx != -1 {
				forwarded = forwarded[:idx]
			}
			if ip := strings.TrimSpace(forwarded); ip != "" {
				return ip
			}
		}
	}
	if r.RemoteAddr == "" {
		return UnknownKey
	}
	// Strip port from RemoteAddr for direct connections.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if host == "" {
		return UnknownKey
	}
	return host
}

// Middleware returns HTTP 429 when the per-IP rate is exceeded.
func Middleware(rl *RateLimiter, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			ok, retryAfter := rl.Allow(ip)
			if !ok {
				metrics.RateLimitRejects.WithLabelValues(rl.name).Inc()
				log.Warn("rate limit exceeded",
					zap.String("limiter", rl.name),
					zap.String("client", ip),
					zap.Duration("retry_after", retryAfter),
				)
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				httputil.WriteError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
