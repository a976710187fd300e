// Package circuitbreaker guards one upstream (an RPC endpoint per chain)
// against hammering while it is failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emperorhan/wallet-monitor/internal/metrics"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // rejecting calls
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Name labels the breaker's state gauge, usually a chain id.
	Name             string
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // half-open successes before closing (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 30s)
	// IsFailure decides whether an error counts against the upstream.
	// Defaults to every error except context cancellation.
	IsFailure     func(error) bool
	OnStateChange func(from, to State)
}

type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	isFailure        func(error) bool
	onStateChange    func(from, to State)
	nowFn            func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	b := &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		nowFn:            time.Now,
		state:            StateClosed,
	}
	b.publish()
	return b
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.isFailure(err):
		b.RecordFailure()
	}
	return err
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.successCount = 0
	b.lastFailureAt = b.nowFn()
	switch {
	case b.state == StateHalfOpen:
		b.setState(StateOpen)
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.setState(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.nowFn().Sub(b.lastFailureAt) >= b.openTimeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	if to == StateClosed {
		b.failureCount = 0
	}
	b.publish()
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *Breaker) publish() {
	if b.name != "" {
		metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(b.state))
	}
}
