// Package ratelimit throttles outbound RPC calls per chain.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
	"github.com/emperorhan/wallet-monitor/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every RPC call to one chain.
type Limiter struct {
	limiter *rate.Limiter
	label   string
}

// NewLimiter allows rps calls per second with the given burst. A
// non-positive rps disables limiting.
func NewLimiter(rps float64, burst int, chainID model.ChainID) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		label:   chainID.String(),
	}
}

// Wait blocks until one call is allowed or ctx is done. Reserve consumes
// exactly one token per call; a cancelled wait returns it.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return errors.New("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	metrics.RPCRateLimitWaits.WithLabelValues(l.label).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// RecordRPCCall counts one RPC call by chain, method and outcome.
func RecordRPCCall(chainID model.ChainID, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(chainID.String(), method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError buckets an RPC error for metrics labels.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "circuit breaker is open"):
		return "circuit_open"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
