// Package events defines the transcript events the relay publishes to
// monitoring observers.
package events

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// TranscriptEvent is one classified transcript for one call. The fraud flag
// is derived from the keyword set and cannot be set independently.
type TranscriptEvent struct {
	callID   string
	text     string
	isFinal  bool
	keywords []string
	at       time.Time
}

// NewTranscriptEvent trims the text and normalizes the keyword set (sorted,
// deduplicated, never nil).
func NewTranscriptEvent(callID, text string, isFinal bool, keywords []string) TranscriptEvent {
	return TranscriptEvent{
		callID:   callID,
		text:     strings.TrimSpace(text),
		isFinal:  isFinal,
		keywords: normalizeKeywords(keywords),
		at:       time.Now(),
	}
}

func (e TranscriptEvent) CallID() string      { return e.callID }
func (e TranscriptEvent) Text() string        { return e.text }
func (e TranscriptEvent) IsFinal() bool       { return e.isFinal }
func (e TranscriptEvent) FraudDetected() bool { return len(e.keywords) > 0 }
func (e TranscriptEvent) Time() time.Time     { return e.at }
func (e TranscriptEvent) Keywords() []string  { return append([]string{}, e.keywords...) }
func (e TranscriptEvent) KeywordCount() int   { return len(e.keywords) }

// Wire is the JSON form delivered to observers.
type Wire struct {
	CallID        string   `json:"callId"`
	Transcript    string   `json:"transcript"`
	IsFinal       bool     `json:"is_final"`
	FraudDetected bool     `json:"fraud_detected"`
	Keywords      []string `json:"keywords"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

func (e TranscriptEvent) Wire() Wire {
	w := Wire{
		CallID:        e.callID,
		Transcript:    e.text,
		IsFinal:       e.isFinal,
		FraudDetected: e.FraudDetected(),
		Keywords:      e.Keywords(),
	}
	if !e.at.IsZero() {
		w.Timestamp = e.at.UTC().Format(time.RFC3339Nano)
	}
	return w
}

func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
