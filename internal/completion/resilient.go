package completion

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/resilience"
)

// ResilientCompleter guards a Completer with a circuit breaker, retries on
// transient network errors and a per-call timeout
type ResilientCompleter struct {
	inner   Completer
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	timeout time.Duration
}

// NewResilient wraps inner. A zero timeout leaves the caller's deadline in place.
func NewResilient(inner Completer, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, timeout time.Duration) *ResilientCompleter {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &ResilientCompleter{
		inner:   inner,
		breaker: breaker,
		retry:   retry,
		timeout: timeout,
	}
}

// Name implements Completer
func (r *ResilientCompleter) Name() string { return r.inner.Name() }

// Complete implements Completer
func (r *ResilientCompleter) Complete(ctx context.Context, text string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var out string
	err := r.breaker.CallContext(ctx, func() error {
		return resilience.RetryContext(ctx, func() error {
			var err error
			out, err = r.inner.Complete(ctx, text)
			return err
		}, r.retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, context.Canceled) {
			observability.IncrementCircuitBreakerFailures(r.breaker.Name())
		}
		return "", err
	}
	return out, nil
}

// HealthCheck delegates to the wrapped completer when it supports probing
func (r *ResilientCompleter) HealthCheck(ctx context.Context) (bool, error) {
	if hc, ok := r.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return r.breaker.GetState() != resilience.StateOpen, nil
}
