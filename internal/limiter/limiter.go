package limiter

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/23skdu/arrowhead/internal/metrics"
)

// ErrRateLimited is returned when a caller would have to wait longer than
// the configured maximum for a token.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config holds rate limiter configuration
type Config struct {
	RPS     int           `envconfig:"RATE_LIMIT_RPS" default:"0"`   // 0 means disabled
	Burst   int           `envconfig:"RATE_LIMIT_BURST" default:"0"` // 0 means use RPS
	MaxWait time.Duration `envconfig:"RATE_LIMIT_MAX_WAIT" default:"0"`
}

// RateLimiter wraps the token bucket limiter
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
	enabled bool
	maxWait time.Duration
}

// NewRateLimiter creates a new rate limiter. name labels its metrics.
func NewRateLimiter(name string, cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{name: name, enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
		maxWait: cfg.MaxWait,
	}
}

func (l *RateLimiter) Enabled() bool { return l.enabled }

// Wait blocks until a token is available. With MaxWait set, a caller that
// would wait longer is rejected right away with ErrRateLimited.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}

	wctx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}
	if err := l.limiter.Wait(wctx); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		metrics.RateLimitRequestsTotal.WithLabelValues(l.name, "throttled").Inc()
		return ErrRateLimited
	}

	metrics.RateLimitRequestsTotal.WithLabelValues(l.name, "allowed").Inc()
	return nil
}
