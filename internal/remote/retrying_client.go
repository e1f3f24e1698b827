package remote

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/arrowhead/internal/resilience"
)

// RetryingClient retries transient status-check failures and stops calling
// the remote service while it keeps failing.
type RetryingClient struct {
	next    StatusClient
	policy  *resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

type RetryingClientConfig struct {
	Policy *resilience.RetryPolicy
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
	// TripAfter consecutive failures opens the breaker.
	TripAfter uint64
	Now       func() time.Time
}

func NewRetryingClient(next StatusClient, cfg RetryingClientConfig, logger zerolog.Logger) *RetryingClient {
	policy := cfg.Policy
	if policy == nil {
		policy = resilience.StatusCheckPolicy()
	}
	p := *policy
	retryable := p.RetryableFunc
	if retryable == nil {
		retryable = resilience.DefaultRetryableFunc
	}
	p.RetryableFunc = func(err error) bool {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return false
		}
		return retryable(err)
	}
	p.OnRetry = func(attempt int, err error) {
		logger.Debug().Err(err).Int("attempt", attempt).Msg("Retrying status check")
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
	}

	tripAfter := cfg.TripAfter
	if tripAfter == 0 {
		tripAfter = 5
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerSettings{
		Name:    "status_check",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= tripAfter
		},
		// a caller giving up says nothing about the remote side
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state changed")
		},
		Now: cfg.Now,
	})

	return &RetryingClient{next: next, policy: &p, breaker: breaker, logger: logger}
}

func (c *RetryingClient) CheckStatus(ctx context.Context, jobID string) (JobStatus, error) {
	return resilience.Retry(ctx, c.policy, func() (JobStatus, error) {
		var status JobStatus
		err := c.breaker.Execute(func() error {
			var err error
			status, err = c.next.CheckStatus(ctx, jobID)
			return err
		})
		return status, err
	})
}

// BreakerState exposes the breaker for health reporting.
func (c *RetryingClient) BreakerState() resilience.CircuitState {
	return c.breaker.State()
}
