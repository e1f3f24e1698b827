package remote

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	arrowerrors "github.com/23skdu/arrowhead/internal/errors"
	"github.com/23skdu/arrowhead/internal/metrics"
)

// Poller checks a job's status at a fixed interval until it resolves or the
// timeout elapses. A timed-out job is left running; cancelling it is up to
// the caller.
type Poller struct {
	client       StatusClient
	timeout      time.Duration
	pollInterval time.Duration
	clock        Clock
	logger       zerolog.Logger
}

func (p *Poller) Timeout() time.Duration      { return p.timeout }
func (p *Poller) PollInterval() time.Duration { return p.pollInterval }

// Await polls until jobID succeeds, fails or times out. Every unresolved
// check is followed by a sleep of pollInterval, shortened so that the last
// check lands on the deadline. A zero timeout checks exactly once.
//
// Each check runs under a deadline of start+timeout, but never shorter
// than one poll interval. A check that overruns it ends the wait as
// TimedOut. Any other status-check error ends the wait with the state
// reached so far and a StatusCheckError. Cancelling ctx returns Cancelled
// with ctx.Err().
func (p *Poller) Await(ctx context.Context, jobID string) (state State, err error) {
	start := p.clock.Now()
	checks := 0
	defer func() {
		observeWait("poll", state, err, p.clock.Now().Sub(start))
		p.logger.Debug().
			Str("job_id", jobID).
			Stringer("state", state).
			Int("checks", checks).
			Dur("elapsed", p.clock.Now().Sub(start)).
			Msg("Wait finished")
	}()

	state = Pending
	for {
		if cerr := ctx.Err(); cerr != nil {
			return Cancelled, cerr
		}

		status, expired, serr := boundedCheck(ctx, p.client, jobID, p.clock, start, p.timeout, p.pollInterval)
		checks++
		if serr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return Cancelled, cerr
			}
			if expired {
				metrics.StatusChecksTotal.WithLabelValues("timeout").Inc()
				p.logger.Warn().Str("job_id", jobID).Int("checks", checks).Msg("Status check overran the wait deadline")
				return TimedOut, nil
			}
			metrics.StatusChecksTotal.WithLabelValues("error").Inc()
			return state, arrowerrors.WrapStatusCheckError(serr, "await", "status check failed").
				WithContext("job_id", jobID).
				WithContext("checks", checks)
		}
		metrics.StatusChecksTotal.WithLabelValues(statusResult(status)).Inc()

		elapsed := p.clock.Now().Sub(start)
		state = Transition(state, status, elapsed, p.timeout)
		if state.Terminal() {
			if state == Failed {
				p.logger.Warn().Str("job_id", jobID).Str("message", status.Message).Msg("Remote build failed")
			}
			return state, nil
		}

		sleep := p.pollInterval
		if remaining := p.timeout - elapsed; remaining < sleep {
			sleep = remaining
		}
		fired, stop := p.clock.NewTimer(sleep)
		select {
		case <-ctx.Done():
			stop()
			return Cancelled, ctx.Err()
		case <-fired:
		}
	}
}

// boundedCheck runs one status check with a deadline of start+timeout,
// extended to at least floor from now. expired reports whether that
// deadline, rather than the caller's ctx, cut the check short.
func boundedCheck(ctx context.Context, client StatusClient, jobID string, clock Clock,
	start time.Time, timeout, floor time.Duration) (status JobStatus, expired bool, err error) {
	budget := timeout - clock.Now().Sub(start)
	if budget < floor {
		budget = floor
	}
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	status, err = client.CheckStatus(cctx, jobID)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		expired = true
	}
	return status, expired, err
}

func observeWait(strategy string, state State, err error, elapsed time.Duration) {
	outcome := state.String()
	if err != nil && state != Cancelled {
		outcome = "error"
	}
	metrics.WaiterOutcomesTotal.WithLabelValues(strategy, outcome).Inc()
	metrics.WaiterDurationSeconds.WithLabelValues(strategy).Observe(elapsed.Seconds())
}
