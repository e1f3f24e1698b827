// Package resilience retries transient failures and trips a breaker when a
// dependency keeps failing.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"
)

type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	RetryableFunc func(error) bool
	OnRetry       func(attempt int, err error)
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		RetryableFunc: DefaultRetryableFunc,
	}
}

// StatusCheckPolicy is tuned for polling a remote build service: short
// delays, since the caller is already on a poll interval.
func StatusCheckPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		RetryableFunc: DefaultRetryableFunc,
	}
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"resource temporarily unavailable",
	"network is unreachable",
	"no such host",
	"connection timed out",
}

// DefaultRetryableFunc reports whether err looks transient. Explicit
// RetryableError/NonRetryableError markers win over everything else.
func DefaultRetryableFunc(err error) bool {
	if err == nil {
		return false
	}
	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	var r *RetryableError
	if errors.As(err, &r) {
		return true
	}
	// caller gave up; retrying would only burn the budget
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retryableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The last error is returned unchanged.
func Retry[T any](ctx context.Context, policy *RetryPolicy, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := calculateDelay(policy, attempt)
			if policy.Jitter {
				delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		var err error
		result, err = fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if policy.RetryableFunc != nil && !policy.RetryableFunc(err) {
			break
		}
		if policy.OnRetry != nil && attempt+1 < attempts {
			policy.OnRetry(attempt+1, err)
		}
	}

	return result, lastErr
}

func calculateDelay(policy *RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return policy.InitialDelay
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay)
}

// RetryableError marks an error as transient regardless of its text.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NonRetryableError stops Retry on the first occurrence.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}
