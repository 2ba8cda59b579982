package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callguard/pkg/events"
	"github.com/harunnryd/callguard/pkg/metrics"
)

type recordingObserver struct {
	id     string
	mu     sync.Mutex
	got    [][]byte
	err    error
	block  chan struct{}
	closed int
}

func newRecording(id string) *recordingObserver { return &recordingObserver{id: id} }

func (o *recordingObserver) ID() string { return o.id }

func (o *recordingObserver) Deliver(ctx context.Context, payload []byte) error {
	if o.block != nil {
		// Ignores ctx on purpose: models a peer that never drains.
		<-o.block
	}
	if o.err != nil {
		return o.err
	}
	o.mu.Lock()
	o.got = append(o.got, payload)
	o.mu.Unlock()
	return nil
}

func (o *recordingObserver) Close() error {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
	return nil
}

func (o *recordingObserver) received() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.got...)
}

func (o *recordingObserver) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
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

func TestAddRemoveIdempotent(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	obs := newRecording("a")
	if !h.Add(obs) {
		t.Fatalf("expected first add to register")
	}
	if h.Add(obs) {
		t.Fatalf("expected second add to be a no-op")
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 observer, got %d", h.Count())
	}
	if !h.Remove(obs) || h.Remove(obs) {
		t.Fatalf("expected exactly one effective remove")
	}
	if h.Count() != 0 || obs.closeCount() != 1 {
		t.Fatalf("expected observer closed once, got count=%d closed=%d", h.Count(), obs.closeCount())
	}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	a, b := newRecording("a"), newRecording("b")
	h.Add(a)
	h.Add(b)

	h.Broadcast(events.NewTranscriptEvent("CA1", "hello", false, nil))
	h.Broadcast(events.NewTranscriptEvent("CA1", "share your otp", true, []string{"otp"}))

	for _, obs := range []*recordingObserver{a, b} {
		waitFor(t, "delivery to "+obs.id, func() bool { return len(obs.received()) == 2 })
		var first, second map[string]any
		got := obs.received()
		_ = json.Unmarshal(got[0], &first)
		_ = json.Unmarshal(got[1], &second)
		if first["transcript"] != "hello" || first["fraud_detected"] != false {
			t.Fatalf("unexpected first event %v", first)
		}
		if second["fraud_detected"] != true || second["callId"] != "CA1" {
			t.Fatalf("unexpected second event %v", second)
		}
	}
}

func TestFailedObserverIsRemovedOthersContinue(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	h := New(Config{Metrics: mem})
	defer h.Close()
	good := newRecording("good")
	bad := newRecording("bad")
	bad.err = errors.New("connection reset")
	h.Add(good)
	h.Add(bad)

	h.Broadcast(events.NewTranscriptEvent("CA1", "one", true, nil))
	waitFor(t, "bad observer removal", func() bool { return h.Count() == 1 })
	h.Broadcast(events.NewTranscriptEvent("CA1", "two", true, nil))
	waitFor(t, "good observer delivery", func() bool { return len(good.received()) == 2 })
	if bad.closeCount() != 1 {
		t.Fatalf("expected failed observer closed")
	}
	if mem.Count(metrics.EventObserverRemoved) != 1 {
		t.Fatalf("expected one removal event, got %d", mem.Count(metrics.EventObserverRemoved))
	}
}

func TestBlockedObserverDoesNotStallOthers(t *testing.T) {
	h := New(Config{QueueSize: 2, SendTimeout: 50 * time.Millisecond})
	stuck := newRecording("stuck")
	stuck.block = make(chan struct{})
	defer close(stuck.block)
	good := newRecording("good")
	h.Add(stuck)
	h.Add(good)

	start := time.Now()
	for i := 0; i < 10; i++ {
		h.Broadcast(events.NewTranscriptEvent("CA1", "tick", false, nil))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("broadcast blocked for %v", elapsed)
	}
	waitFor(t, "stuck observer removal", func() bool { return h.Count() == 1 })
	h.Broadcast(events.NewTranscriptEvent("CA1", "fraud otp", true, []string{"otp"}))
	waitFor(t, "fraud alert delivery", func() bool {
		got := good.received()
		return len(got) > 0 && strings.Contains(string(got[len(got)-1]), `"fraud_detected":true`)
	})
	h.Close()
}

type persistentObserver struct {
	*recordingObserver
}

func (persistentObserver) Persistent() bool { return true }

func TestPersistentObserverSurvivesFullQueue(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	h := New(Config{QueueSize: 2, SendTimeout: 5 * time.Second, Metrics: mem})
	defer h.Close()
	sink := persistentObserver{newRecording("sink")}
	sink.block = make(chan struct{})
	h.Add(sink)

	for i := 0; i < 20; i++ {
		h.Broadcast(events.NewTranscriptEvent("CA1", "filler", false, nil))
	}
	if h.Count() != 1 {
		t.Fatalf("expected persistent observer to stay registered")
	}
	if mem.Count(metrics.EventObserverSkip) == 0 {
		t.Fatalf("expected skipped events to be counted")
	}
	close(sink.block)

	last := events.NewTranscriptEvent("CA1", "share your otp", true, []string{"otp"})
	waitFor(t, "queue room", func() bool { return h.Broadcast(last) == 1 })
	waitFor(t, "fraud delivery", func() bool {
		got := sink.received()
		return len(got) > 0 && strings.Contains(string(got[len(got)-1]), "share your otp")
	})
	if mem.Count(metrics.EventObserverRemoved) != 0 {
		t.Fatalf("expected no removal")
	}
}

func TestClosedHubRejectsObservers(t *testing.T) {
	h := New(Config{})
	obs := newRecording("a")
	h.Add(obs)
	h.Close()
	if obs.closeCount() != 1 {
		t.Fatalf("expected observers closed with the hub")
	}
	if h.Add(newRecording("b")) {
		t.Fatalf("expected add after close to be rejected")
	}
	if n := h.Broadcast(events.NewTranscriptEvent("CA1", "x", true, nil)); n != 0 {
		t.Fatalf("expected no deliveries after close, got %d", n)
	}
}

func TestWebsocketHandler(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	srv := httptest.NewServer(Handler(h, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "observer registration", func() bool { return h.Count() == 1 })

	h.Broadcast(events.NewTranscriptEvent("CA9", "please share your otp now", true, []string{"otp"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Wire
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CallID != "CA9" || !got.FraudDetected || len(got.Keywords) != 1 || got.Keywords[0] != "otp" {
		t.Fatalf("unexpected event %+v", got)
	}

	_ = conn.Close()
	waitFor(t, "observer removal on disconnect", func() bool { return h.Count() == 0 })
}
