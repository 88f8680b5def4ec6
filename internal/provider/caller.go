package provider

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ideaforge/internal/logging"
)

// RetryConfig bounds the retry loop for one provider.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"` // including the initial attempt
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
	}
}

// Config configures a Caller for one logical provider.
type Config struct {
	Name        string
	Concurrency int64         // max in-flight requests, default 8
	RPS         float64       // token bucket refill rate; 0 means unlimited
	Burst       int           // token bucket size, default max(1, ceil(RPS))
	Timeout     time.Duration // per-request timeout, default 60s
	Retry       RetryConfig
	// BreakerThreshold trips a circuit breaker after this many consecutive
	// failures. 0 disables the breaker.
	BreakerThreshold uint32
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RPS) + 1
	}
	return c
}

// Func is the unit of work executed through a Caller. It must honor ctx
// and return classified errors (see Kind).
type Func func(ctx context.Context) error

// Caller serializes access to one external provider. All sleeping, rate
// limiting and retrying in the system happens here.
type Caller struct {
	name    string
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
	logger  *zap.Logger

	queued   atomic.Int64
	inflight atomic.Int64
}

// NewCaller builds a Caller from config. metrics may not be nil; use
// NopMetrics for callers that do not report.
func NewCaller(cfg Config, metrics *Metrics) *Caller {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	c := &Caller{
		name:    cfg.Name,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		metrics: metrics,
		logger:  logging.Get(logging.CategoryProvider).With(zap.String("provider", cfg.Name)),
	}
	if cfg.BreakerThreshold > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: cfg.Name,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
		})
	}
	return c
}

// Name returns the provider name.
func (c *Caller) Name() string { return c.name }

// Concurrency returns the configured in-flight cap.
func (c *Caller) Concurrency() int64 { return c.cfg.Concurrency }

// QueueDepth returns the number of calls waiting for a concurrency slot.
func (c *Caller) QueueDepth() int64 { return c.queued.Load() }

// HighWater is the queue depth at which dispatchers must stop feeding
// this caller (4x the concurrency cap).
func (c *Caller) HighWater() int64 { return 4 * c.cfg.Concurrency }

// LowWater is the queue depth at which dispatchers may resume (2x cap).
func (c *Caller) LowWater() int64 { return 2 * c.cfg.Concurrency }

// Do executes fn through the provider's concurrency cap, token bucket and
// retry policy. Only retryable errors are retried; each retry re-acquires
// a token. Cancellation while queued returns immediately without
// consuming a token.
func (c *Caller) Do(ctx context.Context, fn Func) error {
	gauges := prometheusLabels(c.name)
	c.queued.Add(1)
	c.metrics.queued.With(gauges).Inc()

	err := c.sem.Acquire(ctx, 1)
	c.queued.Add(-1)
	c.metrics.queued.With(gauges).Dec()
	if err != nil {
		return Cancelled(c.name, err)
	}
	defer c.sem.Release(1)

	c.inflight.Add(1)
	c.metrics.inflight.With(gauges).Inc()
	defer func() {
		c.inflight.Add(-1)
		c.metrics.inflight.With(gauges).Dec()
	}()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.retries.With(gauges).Inc()
			if err := c.backoff(ctx, attempt); err != nil {
				return Cancelled(c.name, err)
			}
		}

		c.metrics.tokens.With(gauges).Set(c.limiter.Tokens())
		if err := c.limiter.Wait(ctx); err != nil {
			return Cancelled(c.name, err)
		}

		callErr := c.invoke(ctx, fn)
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		switch KindOf(callErr) {
		case KindRetryable:
			c.logger.Debug("retryable failure",
				zap.Int("attempt", attempt),
				zap.Error(callErr))
			continue
		case KindCancelled:
			c.metrics.failures.With(failureLabels(c.name, KindCancelled)).Inc()
			return callErr
		default:
			c.metrics.failures.With(failureLabels(c.name, KindOf(callErr))).Inc()
			return callErr
		}
	}

	c.metrics.failures.With(failureLabels(c.name, KindRetryable)).Inc()
	c.logger.Warn("retry budget exhausted",
		zap.Int("attempts", c.cfg.Retry.MaxAttempts),
		zap.Error(lastErr))
	return NewError(c.name, KindRetryable,
		errorsJoin(ErrRetryExhausted, lastErr))
}

// invoke runs fn with the per-call timeout, through the breaker if one is
// configured. An open breaker reads as a retryable failure so the backoff
// loop gives it time to close.
func (c *Caller) invoke(ctx context.Context, fn Func) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.breaker == nil {
		return c.classifyCtx(ctx, fn(callCtx))
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryable(c.name, err)
	}
	return c.classifyCtx(ctx, err)
}

// classifyCtx distinguishes a per-call timeout (retryable) from caller
// cancellation (terminal).
func (c *Caller) classifyCtx(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return Cancelled(c.name, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(c.name, err)
	}
	return err
}

// backoff sleeps for an exponentially growing, fully jittered delay.
func (c *Caller) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.Retry.BaseDelay << uint(attempt-2)
	if delay > c.cfg.Retry.MaxDelay || delay <= 0 {
		delay = c.cfg.Retry.MaxDelay
	}
	// Full jitter: uniform in [0, delay].
	jittered := time.Duration(rand.Int63n(int64(delay) + 1))

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func prometheusLabels(name string) map[string]string {
	return map[string]string{"provider": name}
}

func failureLabels(name string, kind Kind) map[string]string {
	return map[string]string{"provider": name, "kind": string(kind)}
}

func errorsJoin(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Join(sentinel, cause)
}
