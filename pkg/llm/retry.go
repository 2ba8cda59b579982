package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/callguard/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
	return c
}

// RetryAdapter retries transient generation failures with exponential
// backoff. Rate limits are left to the circuit breaker.
type RetryAdapter struct {
	inner LLMAdapter
	cfg   RetryConfig
	rng   *rand.Rand
}

func NewRetryAdapter(inner LLMAdapter, cfg RetryConfig) *RetryAdapter {
	return &RetryAdapter{inner: inner, cfg: cfg.withDefaults(), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (a *RetryAdapter) Name() string { return a.inner.Name() }

func (a *RetryAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := a.inner.Generate(ctx, input)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !a.cfg.IsRetryable(err) || attempt == a.cfg.MaxAttempts-1 {
			break
		}
		timer := time.NewTimer(a.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Response{}, fmt.Errorf("llm generate: %w", lastErr)
}

func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !resilience.IsRateLimit(err)
}

func (a *RetryAdapter) backoff(attempt int) time.Duration {
	d := time.Duration(float64(a.cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	if a.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * a.cfg.Jitter * a.rng.Float64())
	}
	return d
}
