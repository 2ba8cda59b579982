package metrics

import "time"

// MetricsEvent is one measurement emitted by a relay component. Tags carry
// low-cardinality labels (component, outcome, reason_code); call_id is the
// only per-call tag and sinks decide whether to keep it.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record emits a counter-style event. A nil observer is ignored.
func Record(obs Observer, name string, tags map[string]string) {
	RecordValue(obs, name, 1, tags)
}

func RecordValue(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
