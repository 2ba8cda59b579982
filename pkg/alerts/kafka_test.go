package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/callguard/pkg/events"
	"github.com/harunnryd/callguard/pkg/hub"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/metrics"
)

type stubWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed int
	// gate, when set, holds every write until it is closed or ctx ends.
	gate chan struct{}
}

func (s *stubWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msgs...)
	return nil
}

func (s *stubWriter) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *stubWriter) Messages() []kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kafka.Message(nil), s.msgs...)
}

func payload(t *testing.T, ev events.TranscriptEvent) []byte {
	t.Helper()
	b, err := ev.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func enabledObserver(cfg Config, w *stubWriter, obs metrics.Observer) *KafkaObserver {
	k := NewKafkaObserver(Config{}, obs)
	k.cfg = cfg.withDefaults()
	k.start(w)
	return k
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewKafkaObserverDisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"disabled", Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", Config{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewKafkaObserver(tt.cfg, nil)
			if k.enabled || k.writer != nil {
				t.Fatalf("expected log-only observer")
			}
			ev := events.NewTranscriptEvent("CA1", "share the otp", true, []string{"otp"})
			if err := k.Deliver(context.Background(), payload(t, ev)); err != nil {
				t.Fatalf("expected no error in log-only mode, got %v", err)
			}
			if err := k.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestDeliverKeysByCallID(t *testing.T) {
	w := &stubWriter{}
	mem := metrics.NewMemoryObserver()
	k := enabledObserver(Config{Principal: "guard"}, w, mem)
	defer k.Close()

	ev := events.NewTranscriptEvent("CA77", "what is your otp", true, []string{"otp"})
	if err := k.Deliver(context.Background(), payload(t, ev)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitFor(t, "published alert", func() bool { return mem.Count(metrics.EventAlertPublished) == 1 })
	msgs := w.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	msg := msgs[0]
	if string(msg.Key) != "CA77" {
		t.Fatalf("expected key CA77, got %q", msg.Key)
	}
	if len(msg.Headers) == 0 || string(msg.Headers[0].Value) != "fraud" {
		t.Fatalf("expected fraud event type header, got %+v", msg.Headers)
	}
}

func TestFraudOnlyFiltersBeforeBuffering(t *testing.T) {
	w := &stubWriter{gate: make(chan struct{})}
	mem := metrics.NewMemoryObserver()
	k := enabledObserver(Config{FraudOnly: true, BufferSize: 1, PublishTimeout: 2 * time.Second}, w, mem)
	defer k.Close()

	for i := 0; i < 50; i++ {
		clean := events.NewTranscriptEvent("CA1", "hello there", i%2 == 0, nil)
		if err := k.Deliver(context.Background(), payload(t, clean)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	fraud := events.NewTranscriptEvent("CA1", "read me the otp", true, []string{"otp"})
	if err := k.Deliver(context.Background(), payload(t, fraud)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if n := mem.Count(metrics.EventAlertDropped); n != 0 {
		t.Fatalf("expected clean transcripts to take no buffer room, got %d drops", n)
	}
	close(w.gate)
	waitFor(t, "fraud alert", func() bool { return len(w.Messages()) == 1 })
	if string(w.Messages()[0].Headers[0].Value) != "fraud" {
		t.Fatalf("expected only the fraud event to be published")
	}
}

func TestSlowBrokerKeepsSinkOnHub(t *testing.T) {
	w := &stubWriter{gate: make(chan struct{})}
	mem := metrics.NewMemoryObserver()
	k := enabledObserver(Config{BufferSize: 4, PublishTimeout: 2 * time.Second}, w, mem)
	h := hub.New(hub.Config{QueueSize: 8, SendTimeout: 100 * time.Millisecond, Logger: logging.Discard(), Metrics: mem})
	defer h.Close()
	if !h.Add(k) {
		t.Fatalf("add sink")
	}

	for i := 0; i < 200; i++ {
		h.Broadcast(events.NewTranscriptEvent("CA1", "just chatting", false, nil))
	}
	fraud := events.NewTranscriptEvent("CA2", "share your otp", true, []string{"otp"})
	waitFor(t, "hub queue room", func() bool { return h.Broadcast(fraud) == 1 })

	if h.Count() != 1 {
		t.Fatalf("expected the alert sink to stay registered")
	}
	if mem.Count(metrics.EventObserverRemoved) != 0 {
		t.Fatalf("expected no observer removal, got %d", mem.Count(metrics.EventObserverRemoved))
	}
	close(w.gate)
	waitFor(t, "fraud alert", func() bool {
		for _, m := range w.Messages() {
			if string(m.Key) == "CA2" {
				return true
			}
		}
		return false
	})
	if mem.Count(metrics.EventAlertDropped)+mem.Count(metrics.EventObserverSkip) == 0 {
		t.Fatalf("expected overflow to be counted")
	}
}

func TestDeliverAbsorbsPublishErrors(t *testing.T) {
	w := &stubWriter{err: errors.New("broker down")}
	mem := metrics.NewMemoryObserver()
	k := enabledObserver(Config{}, w, mem)
	defer k.Close()

	ev := events.NewTranscriptEvent("CA1", "pin please", true, []string{"pin"})
	if err := k.Deliver(context.Background(), payload(t, ev)); err != nil {
		t.Fatalf("expected publish failure to be absorbed, got %v", err)
	}
	waitFor(t, "alert_failed event", func() bool { return mem.Count(metrics.EventAlertFailed) == 1 })
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	w := &stubWriter{}
	k := enabledObserver(Config{}, w, nil)
	ev := events.NewTranscriptEvent("CA1", "pin please", true, []string{"pin"})
	_ = k.Deliver(context.Background(), payload(t, ev))
	_ = k.Close()
	_ = k.Close()
	if w.closed != 1 {
		t.Fatalf("expected one close, got %d", w.closed)
	}
	if len(w.Messages()) != 1 {
		t.Fatalf("expected the queued alert to be flushed, got %d", len(w.Messages()))
	}
	if err := k.Deliver(context.Background(), payload(t, ev)); err != nil {
		t.Fatalf("deliver after close: %v", err)
	}
}
