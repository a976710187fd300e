package admin

import (
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

var errRateLimited = errors.New("rate limit exceeded")

// limitRule throttles requests whose method and path prefix match. An empty
// method or prefix matches anything.
type limitRule struct {
	name   string
	method string
	prefix string
	every  time.Duration
	burst  int
}

func (r limitRule) matches(method, path string) bool {
	if r.method != "" && !strings.EqualFold(r.method, method) {
		return false
	}
	return strings.HasPrefix(path, r.prefix)
}

// defaultRules are checked in order; the last one is the catch-all.
var defaultRules = []limitRule{
	{name: "rediscover", method: http.MethodPost, prefix: "/api/v1/tokens/rediscover", every: time.Minute, burst: 1},
	{name: "refresh", method: http.MethodPost, prefix: "/api/v1/balances/refresh", every: time.Minute, burst: 2},
	{name: "test-notification", method: http.MethodPost, prefix: "/api/v1/notifications/test", every: 6 * time.Second, burst: 3},
	{name: "settings-write", method: http.MethodPatch, prefix: "/api/v1/settings", every: 6 * time.Second, burst: 3},
	{name: "default", every: time.Second, burst: 5},
}

type clientKey struct {
	rule string
	ip   string
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits admin API calls per rule and client IP. Probe
// endpoints are exempt.
type RateLimitMiddleware struct {
	rules   []limitRule
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	clients map[clientKey]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a background sweeper for idle clients; call
// Stop to release it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		rules:   defaultRules,
		logger:  logger.With("component", "admin_ratelimit"),
		nowFunc: time.Now,
		clients: make(map[clientKey]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
}

// LimiterCount returns the number of tracked rule/client pairs.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rule := rl.ruleFor(r.Method, r.URL.Path)
		ip := clientIP(r)
		if rl.limiter(rule, ip).Allow() {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(math.Ceil(rule.every.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		rl.logger.Warn("admin request throttled",
			"rule", rule.name,
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", ip,
		)
	})
}

func (rl *RateLimitMiddleware) ruleFor(method, path string) limitRule {
	for _, rule := range rl.rules {
		if rule.matches(method, path) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) limiter(rule limitRule, ip string) *rate.Limiter {
	now := rl.nowFunc()
	key := clientKey{rule: rule.name, ip: ip}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(rule.every), rule.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
