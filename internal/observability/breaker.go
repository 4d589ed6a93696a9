package observability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-relay/internal/resilience"
)

// NewCircuitBreaker creates a breaker whose transitions are logged and exported
// as voice_relay_circuit_breaker_state{service=name}
func NewCircuitBreaker(name string, maxFailures, resetTimeoutSeconds int, logger zerolog.Logger) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, maxFailures, secondsToDuration(resetTimeoutSeconds))
	UpdateCircuitBreakerState(name, int(resilience.StateClosed))

	return cb.OnStateChange(func(service string, from, to resilience.CircuitState) {
		UpdateCircuitBreakerState(service, int(to))
		logger.Warn().
			Str("service", service).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
}

// RecordBreakerResult feeds an upstream outcome to cb and counts failures
func RecordBreakerResult(cb *resilience.CircuitBreaker, err error) {
	cb.RecordResult(err == nil)
	if err != nil {
		IncrementCircuitBreakerFailures(cb.Name())
	}
}

// BreakerCheck reports an upstream as unhealthy while its breaker is open,
// with the breaker's failure statistics in the message
func BreakerCheck(cb *resilience.CircuitBreaker) HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		state, requests, failures, rate := cb.GetStats()
		if state == resilience.StateOpen {
			return false, fmt.Errorf("%s: %w (%d of %d requests failed, %.1f%%)",
				cb.Name(), resilience.ErrCircuitOpen, failures, requests, rate)
		}
		return true, nil
	}
}
