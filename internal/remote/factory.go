package remote

import (
	"time"

	"github.com/rs/zerolog"

	arrowerrors "github.com/23skdu/arrowhead/internal/errors"
)

type waiterOptions struct {
	notifier Notifier
	clock    Clock
	logger   zerolog.Logger
}

// Option configures NewWaiter.
type Option func(*waiterOptions)

// WithNotifier selects the notification-driven waiter.
func WithNotifier(n Notifier) Option {
	return func(o *waiterOptions) { o.notifier = n }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(o *waiterOptions) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *waiterOptions) { o.logger = l }
}

// NewWaiter returns a Poller bound to client, or a NotifyWaiter when
// WithNotifier is given. pollInterval must be positive and timeout must not
// be negative.
func NewWaiter(client StatusClient, timeout, pollInterval time.Duration, opts ...Option) (Waiter, error) {
	if client == nil {
		return nil, arrowerrors.NewValidationError("new_waiter", "status client is nil")
	}
	if pollInterval <= 0 {
		return nil, arrowerrors.NewValidationError("new_waiter", "poll interval must be positive").
			WithContext("poll_interval", pollInterval.String())
	}
	if timeout < 0 {
		return nil, arrowerrors.NewValidationError("new_waiter", "timeout must not be negative").
			WithContext("timeout", timeout.String())
	}

	o := waiterOptions{clock: RealClock, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.notifier != nil {
		return &NotifyWaiter{
			client:       client,
			notifier:     o.notifier,
			timeout:      timeout,
			pollInterval: pollInterval,
			clock:        o.clock,
			logger:       o.logger,
		}, nil
	}
	return &Poller{
		client:       client,
		timeout:      timeout,
		pollInterval: pollInterval,
		clock:        o.clock,
		logger:       o.logger,
	}, nil
}
