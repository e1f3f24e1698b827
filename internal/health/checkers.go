package health

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/arrowhead/internal/indexio"
	"github.com/23skdu/arrowhead/internal/resilience"
)

// SentinelKey is opened by StoreChecker. It is expected to be absent.
const SentinelKey = "_health/sentinel"

// StoreChecker opens SentinelKey in a store. A not-found answer proves the
// backend is reachable.
type StoreChecker struct {
	store   indexio.Store
	timeout time.Duration
}

func NewStoreChecker(store indexio.Store, timeout time.Duration) *StoreChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &StoreChecker{store: store, timeout: timeout}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) *ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	rc, err := c.store.Open(ctx, SentinelKey)
	if rc != nil {
		_ = rc.Close()
	}
	res := &ComponentHealth{
		Name:        c.Name(),
		Status:      StatusHealthy,
		Message:     "store reachable",
		LastChecked: time.Now(),
		Metadata: map[string]any{
			"backend":          c.store.Name(),
			"response_time_ms": time.Since(start).Milliseconds(),
		},
	}
	if err != nil && !indexio.IsNotFound(err) {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// QueueStats is a snapshot of a bounded work queue.
type QueueStats struct {
	Queued   int
	Capacity int
	Active   int
	Closed   bool
}

// QueueChecker is degraded when the queue is full and unhealthy once it
// is closed.
type QueueChecker struct {
	name  string
	stats func() QueueStats
}

func NewQueueChecker(name string, stats func() QueueStats) *QueueChecker {
	return &QueueChecker{name: name, stats: stats}
}

func (c *QueueChecker) Name() string { return c.name }

func (c *QueueChecker) Check(_ context.Context) *ComponentHealth {
	st := c.stats()
	res := &ComponentHealth{
		Name:        c.name,
		Status:      StatusHealthy,
		Message:     fmt.Sprintf("%d/%d queued", st.Queued, st.Capacity),
		LastChecked: time.Now(),
		Metadata: map[string]any{
			"queued":   st.Queued,
			"capacity": st.Capacity,
			"active":   st.Active,
		},
	}
	switch {
	case st.Closed:
		res.Status = StatusUnhealthy
		res.Message = "closed"
	case st.Capacity > 0 && st.Queued >= st.Capacity:
		res.Status = StatusDegraded
	}
	return res
}

// BreakerChecker maps a circuit breaker state to a status: half-open is
// degraded, open is unhealthy.
type BreakerChecker struct {
	name  string
	state func() resilience.CircuitState
}

func NewBreakerChecker(name string, state func() resilience.CircuitState) *BreakerChecker {
	return &BreakerChecker{name: name, state: state}
}

func (c *BreakerChecker) Name() string { return c.name }

func (c *BreakerChecker) Check(_ context.Context) *ComponentHealth {
	st := c.state()
	res := &ComponentHealth{
		Name:        c.name,
		Status:      StatusHealthy,
		Message:     "circuit " + st.String(),
		LastChecked: time.Now(),
	}
	switch st {
	case resilience.StateHalfOpen:
		res.Status = StatusDegraded
	case resilience.StateOpen:
		res.Status = StatusUnhealthy
	}
	return res
}
