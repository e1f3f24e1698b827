package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/indexio"
	"github.com/23skdu/arrowhead/internal/limiter"
	"github.com/23skdu/arrowhead/internal/memory"
	"github.com/23skdu/arrowhead/internal/metrics"
	"github.com/23skdu/arrowhead/internal/native"
)

var (
	ErrJobNotFound   = errors.New("build job not found")
	ErrJobFinished   = errors.New("build job already finished")
	ErrQueueFull     = errors.New("build queue is full")
	ErrServiceClosed = errors.New("build service is closed")

	ErrMemoryBudgetExceeded = errors.New("build memory budget exceeded")
)

// JobState is the lifecycle of a build job inside the service.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// BuildRequest describes one index build. Submit takes ownership of
// Vectors.
type BuildRequest struct {
	Vectors *memory.VectorBuffer
	Params  core.Parameters
	// ObjectKey defaults to indexes/<job id>.ahix.
	ObjectKey string
}

type BuildServiceConfig struct {
	Workers     int
	QueueSize   int
	PortOptions []indexio.Option
	// SubmitLimit throttles Submit; the zero value disables it.
	SubmitLimit limiter.Config
	// MemoryBudget caps the estimated bytes held by queued and running
	// builds. Zero disables the check.
	MemoryBudget int64
}

func DefaultBuildServiceConfig() BuildServiceConfig {
	return BuildServiceConfig{Workers: 2, QueueSize: 64}
}

type job struct {
	id        string
	key       string
	req       BuildRequest
	state     JobState
	message   string
	cancel    context.CancelFunc
	cancelled bool
	submitted time.Time
	reserved  int64
}

func (j *job) status() JobStatus {
	return JobStatus{
		Done:      j.state.terminal(),
		Success:   j.state == JobCompleted,
		Message:   j.message,
		ObjectKey: j.key,
	}
}

// BuildService runs index builds on a bounded worker pool and writes the
// results to a store. It answers status checks and pushes completion
// notifications, so it can back either waiter strategy.
type BuildService struct {
	native *native.Service
	store  indexio.Store
	cfg    BuildServiceConfig
	logger zerolog.Logger
	admit  *limiter.RateLimiter
	// memory is nil without a MemoryBudget
	memory *semaphore.Weighted

	queue chan *job
	stop  context.CancelFunc
	group *errgroup.Group

	mu       sync.Mutex
	closed   bool
	reserved int64
	jobs     map[string]*job
	subs     map[string]map[uint64]chan JobStatus
	nextSub  uint64
}

func NewBuildService(svc *native.Service, store indexio.Store, cfg BuildServiceConfig, logger zerolog.Logger) *BuildService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}

	ctx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	var mem *semaphore.Weighted
	if cfg.MemoryBudget > 0 {
		mem = semaphore.NewWeighted(cfg.MemoryBudget)
	}
	s := &BuildService{
		native: svc,
		store:  store,
		cfg:    cfg,
		logger: logger,
		admit:  limiter.NewRateLimiter("build_submit", cfg.SubmitLimit),
		memory: mem,
		queue:  make(chan *job, cfg.QueueSize),
		stop:   stop,
		group:  g,
		jobs:   make(map[string]*job),
		subs:   make(map[string]map[uint64]chan JobStatus),
	}
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	logger.Info().
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Int64("memory_budget", cfg.MemoryBudget).
		Str("store", store.Name()).
		Str("engine", string(svc.Kind())).
		Msg("Build service started")
	return s
}

func observeAPI(api string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "server_error"
		var invalid *core.ErrInvalidArgument
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobFinished) ||
			errors.Is(err, ErrQueueFull) || errors.Is(err, limiter.ErrRateLimited) ||
			errors.Is(err, ErrMemoryBudgetExceeded) ||
			errors.As(err, &invalid) {
			status = "client_error"
		}
	}
	metrics.BuildServiceRequestsTotal.WithLabelValues(api, status).Inc()
	metrics.BuildServiceLatencySeconds.WithLabelValues(api).Observe(time.Since(start).Seconds())
}

// Submit queues a build and returns its job id. The vector buffer is
// released when the job finishes, or right away if the job is rejected.
// With a MemoryBudget set, the job's estimated footprint is reserved until
// it finishes.
func (s *BuildService) Submit(ctx context.Context, req BuildRequest) (id string, err error) {
	start := time.Now()
	defer func() { observeAPI("build", start, err) }()

	if req.Vectors == nil {
		return "", core.NewInvalidArgumentError("vectors", "vector buffer is nil")
	}
	if cerr := ctx.Err(); cerr != nil {
		req.Vectors.Release()
		return "", cerr
	}
	if werr := s.admit.Wait(ctx); werr != nil {
		req.Vectors.Release()
		return "", werr
	}

	j := &job{
		id:        uuid.NewString(),
		req:       req,
		state:     JobQueued,
		submitted: start,
	}
	j.key = req.ObjectKey
	if j.key == "" {
		j.key = fmt.Sprintf("indexes/%s.ahix", j.id)
	}
	need := s.native.BuildFootprint(req.Vectors, req.Params)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		req.Vectors.Release()
		return "", ErrServiceClosed
	}
	if s.memory != nil && !s.memory.TryAcquire(need) {
		req.Vectors.Release()
		return "", fmt.Errorf("%w: job needs %d bytes, %d of %d reserved",
			ErrMemoryBudgetExceeded, need, s.reserved, s.cfg.MemoryBudget)
	}
	select {
	case s.queue <- j:
	default:
		if s.memory != nil {
			s.memory.Release(need)
		}
		req.Vectors.Release()
		return "", fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, len(s.queue))
	}
	s.jobs[j.id] = j
	j.reserved = need
	s.reserved += need
	metrics.BuildJobsActive.Inc()
	metrics.BuildMemoryReservedBytes.Set(float64(s.reserved))

	s.logger.Info().
		Str("job_id", j.id).
		Str("object_key", j.key).
		Int("count", req.Vectors.Count()).
		Int("dimension", req.Vectors.Dimension()).
		Int64("reserved_bytes", need).
		Msg("Build job submitted")
	return j.id, nil
}

// CheckStatus implements StatusClient.
func (s *BuildService) CheckStatus(_ context.Context, jobID string) (status JobStatus, err error) {
	start := time.Now()
	defer func() { observeAPI("status", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j.status(), nil
}

// State returns the service-side state of a job.
func (s *BuildService) State(jobID string) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j.state, nil
}

// Cancel stops a queued or running job. Cancelling a finished job returns
// ErrJobFinished.
func (s *BuildService) Cancel(_ context.Context, jobID string) (err error) {
	start := time.Now()
	defer func() { observeAPI("cancel", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	switch j.state {
	case JobQueued:
		// the worker that dequeues it releases the buffer
		s.finishLocked(j, JobCancelled, "cancelled before start")
	case JobRunning:
		j.cancelled = true
		j.cancel()
	default:
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, j.state)
	}
	s.logger.Info().Str("job_id", jobID).Msg("Build job cancel requested")
	return nil
}

// Subscribe implements Notifier. A job that has already finished yields
// its final status and a closed channel.
func (s *BuildService) Subscribe(_ context.Context, jobID string) (<-chan JobStatus, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	ch := make(chan JobStatus, 1)
	if j.state.terminal() {
		ch <- j.status()
		close(ch)
		return ch, func() {}, nil
	}

	s.nextSub++
	subID := s.nextSub
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[uint64]chan JobStatus)
	}
	s.subs[jobID][subID] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[jobID][subID]; ok {
				delete(s.subs[jobID], subID)
				close(c)
			}
		})
	}
	return ch, unsubscribe, nil
}

// finishLocked moves j to a terminal state and notifies subscribers.
// s.mu must be held.
func (s *BuildService) finishLocked(j *job, state JobState, message string) {
	j.state = state
	j.message = message
	if s.memory != nil && j.reserved > 0 {
		s.memory.Release(j.reserved)
	}
	s.reserved -= j.reserved
	j.reserved = 0
	metrics.BuildJobsActive.Dec()
	metrics.BuildMemoryReservedBytes.Set(float64(s.reserved))
	metrics.BuildJobsTotal.WithLabelValues(string(state)).Inc()

	st := j.status()
	for id, ch := range s.subs[j.id] {
		ch <- st
		close(ch)
		delete(s.subs[j.id], id)
	}
	delete(s.subs, j.id)
}

func (s *BuildService) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.run(ctx, j)
		}
	}
}

func (s *BuildService) run(ctx context.Context, j *job) {
	s.mu.Lock()
	if j.state != JobQueued {
		s.mu.Unlock()
		j.req.Vectors.Release()
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.state = JobRunning
	j.cancel = cancel
	s.mu.Unlock()

	start := time.Now()
	err := s.build(jctx, j)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.finishLocked(j, JobCompleted, "")
		s.logger.Info().
			Str("job_id", j.id).
			Str("object_key", j.key).
			Dur("elapsed", time.Since(start)).
			Msg("Build job completed")
	case j.cancelled || jctx.Err() != nil:
		s.finishLocked(j, JobCancelled, "cancelled while running")
		s.logger.Info().Str("job_id", j.id).Msg("Build job cancelled")
	default:
		s.finishLocked(j, JobFailed, err.Error())
		s.logger.Error().Err(err).Str("job_id", j.id).Msg("Build job failed")
	}
}

func (s *BuildService) build(ctx context.Context, j *job) error {
	out, err := indexio.NewOutput(ctx, s.store, j.key, s.cfg.PortOptions...)
	if err != nil {
		j.req.Vectors.Release()
		return err
	}
	if err := s.native.Create(ctx, j.req.Vectors, out, j.req.Params); err != nil {
		_ = out.Abort(err)
		return err
	}
	return out.Close()
}

// BuildServiceStats is a point-in-time view of the queue.
type BuildServiceStats struct {
	Queued   int
	Capacity int
	Running  int
	Closed   bool
}

func (s *BuildService) Stats() BuildServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := BuildServiceStats{Capacity: cap(s.queue), Closed: s.closed}
	for _, j := range s.jobs {
		switch j.state {
		case JobQueued:
			st.Queued++
		case JobRunning:
			st.Running++
		}
	}
	return st
}

// Reserved returns the bytes currently reserved against MemoryBudget.
func (s *BuildService) Reserved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}

// Close stops the workers, cancelling running jobs, and releases the
// buffers of jobs still queued.
func (s *BuildService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	err := s.group.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case j := <-s.queue:
			if j.state == JobQueued {
				s.finishLocked(j, JobCancelled, "service closed")
			}
			j.req.Vectors.Release()
		default:
			s.logger.Info().Msg("Build service stopped")
			return err
		}
	}
}
