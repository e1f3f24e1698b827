package remote

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	arrowerrors "github.com/23skdu/arrowhead/internal/errors"
	"github.com/23skdu/arrowhead/internal/metrics"
)

// ErrNotifierClosed is reported when a subscription ends before the job
// resolves.
var ErrNotifierClosed = errors.New("notification stream closed")

// Notifier pushes status changes for a job. The returned channel carries
// every status change after Subscribe returns; cancel releases the
// subscription and must be called exactly once.
type Notifier interface {
	Subscribe(ctx context.Context, jobID string) (updates <-chan JobStatus, cancel func(), err error)
}

// NotifyWaiter waits on pushed status changes instead of polling. It checks
// the status once up front, because a job may resolve before the
// subscription exists, and once more at the deadline.
type NotifyWaiter struct {
	client   StatusClient
	notifier Notifier
	timeout  time.Duration
	// floor for a single check's deadline
	pollInterval time.Duration
	clock        Clock
	logger       zerolog.Logger
}

func (w *NotifyWaiter) check(ctx context.Context, jobID string, state State, start time.Time) (State, error) {
	status, expired, err := boundedCheck(ctx, w.client, jobID, w.clock, start, w.timeout, w.pollInterval)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Cancelled, cerr
		}
		if expired {
			metrics.StatusChecksTotal.WithLabelValues("timeout").Inc()
			return TimedOut, nil
		}
		metrics.StatusChecksTotal.WithLabelValues("error").Inc()
		return state, arrowerrors.WrapStatusCheckError(err, "await", "status check failed").
			WithContext("job_id", jobID)
	}
	metrics.StatusChecksTotal.WithLabelValues(statusResult(status)).Inc()
	return Transition(state, status, w.clock.Now().Sub(start), w.timeout), nil
}

// Await has the same contract as Poller.Await.
func (w *NotifyWaiter) Await(ctx context.Context, jobID string) (state State, err error) {
	start := w.clock.Now()
	defer func() {
		observeWait("notify", state, err, w.clock.Now().Sub(start))
	}()

	if cerr := ctx.Err(); cerr != nil {
		return Cancelled, cerr
	}
	updates, unsubscribe, err := w.notifier.Subscribe(ctx, jobID)
	if err != nil {
		return Pending, arrowerrors.WrapStatusCheckError(err, "await", "subscribe failed").
			WithContext("job_id", jobID)
	}
	defer unsubscribe()

	state, err = w.check(ctx, jobID, Pending, start)
	if err != nil || state.Terminal() {
		return state, err
	}

	fired, stop := w.clock.NewTimer(w.timeout - w.clock.Now().Sub(start))
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return Cancelled, ctx.Err()

		case status, ok := <-updates:
			if !ok {
				state, err = w.check(ctx, jobID, state, start)
				if err != nil || state.Terminal() {
					return state, err
				}
				return state, arrowerrors.WrapStatusCheckError(ErrNotifierClosed, "await", "subscription ended").
					WithContext("job_id", jobID)
			}
			state = Transition(state, status, w.clock.Now().Sub(start), w.timeout)
			if state.Terminal() {
				w.logger.Debug().Str("job_id", jobID).Stringer("state", state).Msg("Notified")
				return state, nil
			}

		case <-fired:
			state, err = w.check(ctx, jobID, state, start)
			if err != nil {
				return state, err
			}
			if !state.Terminal() {
				// clock skew between timer and Now
				state = TimedOut
			}
			return state, nil
		}
	}
}
