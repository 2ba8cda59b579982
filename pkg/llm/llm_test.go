package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callguard/pkg/metrics"
	"github.com/harunnryd/callguard/pkg/resilience"
)

type scriptedAdapter struct {
	errs  []error
	calls int
}

func (s *scriptedAdapter) Name() string { return "scripted" }

func (s *scriptedAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	return Response{Text: "ok"}, nil
}

func TestRetryAdapterRetriesTransientErrors(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{errors.New("reset")}}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	resp, err := a.Generate(context.Background(), Context{})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", inner.calls)
	}
}

func TestRetryAdapterSkipsRateLimits(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{resilience.RateLimitError{}, nil}}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	if _, err := a.Generate(context.Background(), Context{}); !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit to surface, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected no retry, got %d calls", inner.calls)
	}
}

func TestCircuitBreakerAdapterOpens(t *testing.T) {
	rl := resilience.RateLimitError{Provider: "scripted"}
	inner := &scriptedAdapter{errs: []error{rl, rl}}
	mem := metrics.NewMemoryObserver()
	a := NewCircuitBreakerAdapter(inner, resilience.NewCircuitBreaker(2, time.Minute), mem)

	for i := 0; i < 2; i++ {
		_, _ = a.Generate(context.Background(), Context{})
	}
	_, err := a.Generate(context.Background(), Context{})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected breaker denial, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected denied call to skip provider, got %d calls", inner.calls)
	}
	if mem.Count(metrics.EventRateLimit) != 2 || mem.Count(metrics.EventBreakerOpen) != 1 || mem.Count(metrics.EventBreakerDenied) != 1 {
		t.Fatalf("unexpected breaker events %+v", mem.Events())
	}
}
