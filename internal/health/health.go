// Package health aggregates component checks into a single report served
// over HTTP next to the metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/arrowhead/internal/metrics"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Report is the aggregated result of one check round.
type Report struct {
	Status     Status                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	System     SystemInfo                  `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapInuse     uint64 `json:"heap_inuse_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// Checker is implemented by every component that reports health.
type Checker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// Manager runs the registered checkers.
type Manager struct {
	startTime    time.Time
	version      string
	logger       zerolog.Logger
	checkCounter atomic.Int64

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewManager(version string, logger zerolog.Logger) *Manager {
	return &Manager{
		startTime: time.Now(),
		version:   version,
		logger:    logger,
		checkers:  make(map[string]Checker),
	}
}

// Register adds c, replacing any checker with the same name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
	m.logger.Debug().Str("checker", c.Name()).Msg("Registered health checker")
}

// Check runs every checker. The overall status is the worst component
// status.
func (m *Manager) Check(ctx context.Context) *Report {
	count := m.checkCounter.Add(1)
	start := time.Now()

	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()
	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  start,
		Uptime:     time.Since(m.startTime),
		Version:    m.version,
		Components: make(map[string]*ComponentHealth, len(checkers)),
		System:     systemInfo(),
		CheckCount: count,
	}
	for _, c := range checkers {
		cstart := time.Now()
		ch := c.Check(ctx)
		metrics.HealthCheckDurationSeconds.WithLabelValues(c.Name()).Observe(time.Since(cstart).Seconds())
		metrics.HealthCheckStatus.WithLabelValues(c.Name()).Set(ch.Status.gauge())

		report.Components[c.Name()] = ch
		switch {
		case ch.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case ch.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	m.logger.Debug().
		Str("overall_status", string(report.Status)).
		Int("components_checked", len(checkers)).
		Dur("elapsed", time.Since(start)).
		Msg("Health check completed")
	return report
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     ms.HeapAlloc,
		HeapInuse:     ms.HeapInuse,
		NumGC:         ms.NumGC,
	}
}

// Handler serves the report as JSON, with 503 when unhealthy.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.logger.Error().Err(err).Msg("Failed to encode health report")
		}
	})
}
