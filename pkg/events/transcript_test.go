package events

import (
	"encoding/json"
	"testing"
)

func TestFraudFlagFollowsKeywords(t *testing.T) {
	clean := NewTranscriptEvent("CA1", "  hello there ", true, nil)
	if clean.FraudDetected() {
		t.Fatalf("expected no fraud without keywords")
	}
	if clean.Text() != "hello there" {
		t.Fatalf("expected trimmed text, got %q", clean.Text())
	}

	hit := NewTranscriptEvent("CA1", "share your otp", true, []string{"otp", " ", "otp"})
	if !hit.FraudDetected() {
		t.Fatalf("expected fraud with keywords")
	}
	if got := hit.Keywords(); len(got) != 1 || got[0] != "otp" {
		t.Fatalf("expected deduplicated [otp], got %v", got)
	}

	blank := NewTranscriptEvent("CA1", "x", false, []string{"", "  "})
	if blank.FraudDetected() {
		t.Fatalf("blank keywords must not flag fraud")
	}
}

func TestWireFormat(t *testing.T) {
	ev := NewTranscriptEvent("CA9", "urgent: send your otp", false, []string{"urgent", "otp"})
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["callId"] != "CA9" || got["transcript"] != "urgent: send your otp" {
		t.Fatalf("unexpected payload %s", b)
	}
	if got["is_final"] != false || got["fraud_detected"] != true {
		t.Fatalf("unexpected flags %s", b)
	}
	kws, ok := got["keywords"].([]any)
	if !ok || len(kws) != 2 || kws[0] != "otp" || kws[1] != "urgent" {
		t.Fatalf("expected sorted keywords, got %v", got["keywords"])
	}
}

func TestWireKeywordsNeverNull(t *testing.T) {
	b, _ := json.Marshal(NewTranscriptEvent("CA1", "hi", true, nil))
	var got map[string]any
	_ = json.Unmarshal(b, &got)
	if _, ok := got["keywords"].([]any); !ok {
		t.Fatalf("expected empty keywords array, got %s", b)
	}
}
