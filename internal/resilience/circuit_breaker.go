package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open or its half-open trial budget is spent.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError names the breaker that rejected the call. It is not retryable.
type OpenError struct {
	Name  string
	State CircuitState
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

type Counts struct {
	Requests            uint64
	Successes           uint64
	Failures            uint64
	ConsecutiveFailures uint64
}

type CircuitBreakerSettings struct {
	Name        string
	MaxRequests uint32
	// Interval clears counts while closed; zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to CircuitState)
	Now           func() time.Time
}

type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	isFailure     func(err error) bool
	onStateChange func(name string, from, to CircuitState)
	now           func() time.Time

	mu         sync.Mutex
	state      CircuitState
	generation uint64
	counts     Counts
	expiry     time.Time
}

func NewCircuitBreaker(settings CircuitBreakerSettings) *CircuitBreaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = DefaultReadyToTrip
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	cb := &CircuitBreaker{
		name:          settings.Name,
		maxRequests:   settings.MaxRequests,
		interval:      settings.Interval,
		timeout:       settings.Timeout,
		readyToTrip:   settings.ReadyToTrip,
		isFailure:     settings.IsFailure,
		onStateChange: settings.OnStateChange,
		now:           settings.Now,
		state:         StateClosed,
	}
	cb.toNewGeneration(cb.now())
	return cb
}

func DefaultReadyToTrip(counts Counts) bool {
	return counts.ConsecutiveFailures > 5 ||
		(counts.Failures > 10 && float64(counts.Failures)/float64(counts.Requests) > 0.6)
}

// Execute runs req unless the breaker is open. Errors for which IsFailure
// returns false are passed through without counting against the breaker.
func (cb *CircuitBreaker) Execute(req func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = req()
	cb.afterRequest(generation, err)
	return err
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.now())
	if state == StateOpen {
		return generation, &OpenError{Name: cb.name, State: state}
	}
	if state == StateHalfOpen && cb.counts.Requests >= uint64(cb.maxRequests) {
		return generation, &OpenError{Name: cb.name, State: state}
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if cb.isFailure(err) {
		cb.onFailure(state, now)
	} else {
		cb.onSuccess(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.Successes++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.Failures++
	cb.counts.ConsecutiveFailures++

	switch state {
	case StateClosed:
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if !cb.expiry.After(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.interval == 0 {
			cb.expiry = time.Time{}
		} else {
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = time.Time{}
	}
}
