// Package retry classifies upstream errors as transient or terminal and
// retries transient ones with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient, reason: "explicit_transient"}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal, reason: "explicit_terminal"}
}

// HTTPStatusError is returned by HTTP API clients for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(statusErr.StatusCode)
	}
	var rpcHTTPErr rpc.HTTPError
	if errors.As(err, &rpcHTTPErr) {
		return classifyHTTPStatus(rpcHTTPErr.StatusCode)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode())
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifyHTTPStatus(code int) Decision {
	switch {
	case code == http.StatusTooManyRequests:
		return Decision{Class: ClassTransient, Reason: "http_429"}
	case code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_5xx"}
	default:
		return Decision{Class: ClassTerminal, Reason: "http_status"}
	}
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"invalid address",
	"method not found",
	"parse error",
	"execution reverted",
	"not found",
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for RPC and HTTP API calls.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// Do calls fn until it succeeds, returns a terminal error, or MaxAttempts is
// reached. The delay doubles after each transient failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !Classify(err).IsTransient() {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
