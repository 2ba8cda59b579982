package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnRateLimits(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, 10*time.Second)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("boom"))
	cb.OnError(RateLimitError{Provider: "openai"})
	if !cb.Allow() {
		t.Fatalf("expected breaker closed below threshold")
	}
	cb.OnError(RateLimitError{Provider: "openai", RetryAfter: 30 * time.Second})
	if cb.Allow() {
		t.Fatalf("expected breaker open")
	}
	now = now.Add(20 * time.Second)
	if cb.Allow() {
		t.Fatalf("expected retry-after to extend the cooldown")
	}
	now = now.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected breaker to close after cooldown")
	}
	cb.OnSuccess()
	cb.OnError(RateLimitError{})
	if !cb.Allow() {
		t.Fatalf("expected failures reset by success")
	}
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := RateLimitError{Provider: "openai", Message: "slow down"}
	if err.Error() != "openai: slow down" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !IsRateLimit(errors.Join(errors.New("x"), err)) {
		t.Fatalf("expected wrapped rate limit to be detected")
	}
}
