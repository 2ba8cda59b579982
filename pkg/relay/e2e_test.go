package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callguard/pkg/classifier"
	"github.com/harunnryd/callguard/pkg/events"
	"github.com/harunnryd/callguard/pkg/hub"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/metrics"
	"github.com/harunnryd/callguard/pkg/providers/deepgramws"
	tmock "github.com/harunnryd/callguard/pkg/transports/mock"
)

// transcribingBackend speaks the streaming protocol and answers the first
// audio chunk with a fixed final transcript.
func transcribingBackend(t *testing.T, transcript string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		answered := false
		for {
			kind, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage || answered {
				continue
			}
			answered = true
			msg := `{"type":"Results","channel":{"alternatives":[{"transcript":"` + transcript + `","confidence":0.97}]},"is_final":true,"speech_final":true}`
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
	}))
}

type wireObserver struct {
	mu  sync.Mutex
	got []string
}

func (o *wireObserver) ID() string { return "e2e" }

func (o *wireObserver) Deliver(_ context.Context, payload []byte) error {
	o.mu.Lock()
	o.got = append(o.got, string(payload))
	o.mu.Unlock()
	return nil
}

func (o *wireObserver) Close() error { return nil }

func (o *wireObserver) messages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.got...)
}

func TestEndToEndFraudCall(t *testing.T) {
	backend := transcribingBackend(t, "please share your otp now")
	defer backend.Close()

	observers := hub.New(hub.Config{Logger: logging.Discard()})
	defer observers.Close()
	obs := &wireObserver{}
	observers.Add(obs)

	registry := NewRegistry()
	controller := tmock.NewController()
	source := tmock.NewSource(16)
	mem := metrics.NewMemoryObserver()

	r, err := Start(context.Background(), "CA-e2e", source, Deps{
		Registry: registry,
		STT: deepgramws.NewFactory(deepgramws.Config{
			URL:       "ws" + strings.TrimPrefix(backend.URL, "http"),
			Punctuate: true,
			Interim:   true,
		}),
		Classifier: classifier.NewKeyword(nil),
		Hub:        observers,
		Controller: controller,
		Metrics:    mem,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	source.Push(tmock.StartEnvelope("CA-e2e"))
	for i := 1; i <= 3; i++ {
		source.Push(tmock.MediaEnvelope(i, []byte{0xff, 0x7f, 0x00, byte(i)}))
	}

	if err := waitRelay(t, r); err != nil {
		t.Fatalf("relay ended with error: %v", err)
	}
	if got := controller.Calls(); !reflect.DeepEqual(got, []string{"CA-e2e"}) {
		t.Fatalf("expected one terminate for CA-e2e, got %v", got)
	}
	if _, err := registry.Lookup("CA-e2e"); err == nil {
		t.Fatalf("expected relay no longer registered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(obs.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := obs.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one observer message, got %d", len(msgs))
	}
	var wire events.Wire
	if err := json.Unmarshal([]byte(msgs[0]), &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wire.CallID != "CA-e2e" || !wire.IsFinal || !wire.FraudDetected || !reflect.DeepEqual(wire.Keywords, []string{"otp"}) {
		t.Fatalf("unexpected observer event %+v", wire)
	}
	if wire.Transcript != "please share your otp now" {
		t.Fatalf("unexpected transcript %q", wire.Transcript)
	}
}
