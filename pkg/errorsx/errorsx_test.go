package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSTTConnect)
	if Reason(err) != ReasonSTTConnect {
		t.Fatalf("expected reason %s, got %s", ReasonSTTConnect, Reason(err))
	}
	if !HasReason(err, ReasonSTTConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonMalformedFrame)
	second := Wrap(first, ReasonSTTSend)
	if Reason(second) != ReasonMalformedFrame {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestNewSentinelSurvivesFmtWrap(t *testing.T) {
	sentinel := New("duplicate call", ReasonDuplicateCall)
	wrapped := fmt.Errorf("call CA1: %w", sentinel)
	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match sentinel")
	}
	if LogValue(wrapped) != string(ReasonDuplicateCall) {
		t.Fatalf("expected duplicate_call, got %s", LogValue(wrapped))
	}
}

func TestReasonNil(t *testing.T) {
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
	if Wrap(nil, ReasonSTTSend) != nil {
		t.Fatalf("expected nil wrap of nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
