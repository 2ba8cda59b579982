// Package mock provides in-memory transports for tests and local runs.
package mock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/harunnryd/callguard/pkg/transports"
)

var ErrSourceClosed = errors.New("media source closed")

// Source is an in-memory MediaSource fed by Push.
type Source struct {
	ch        chan []byte
	done      chan struct{}
	mu        sync.Mutex
	ended     bool
	closeOnce sync.Once
	reads     int
}

func NewSource(buffer int) *Source {
	if buffer <= 0 {
		buffer = 256
	}
	return &Source{ch: make(chan []byte, buffer), done: make(chan struct{})}
}

// Push queues one raw envelope. It reports false once the source has ended
// or been closed.
func (s *Source) Push(raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- raw:
		return true
	case <-s.done:
		return false
	}
}

// End marks the inbound stream finished. Queued envelopes are still
// delivered before Recv reports io.EOF.
func (s *Source) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
}

func (s *Source) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrSourceClosed
	default:
	}
	select {
	case raw, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		s.mu.Lock()
		s.reads++
		s.mu.Unlock()
		return raw, nil
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Source) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reads counts envelopes handed out by Recv.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// StartEnvelope renders a media-stream start event.
func StartEnvelope(callSID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event":     "start",
		"streamSid": "MZ" + callSID,
		"start": map[string]any{
			"callSid":   callSID,
			"streamSid": "MZ" + callSID,
			"tracks":    []string{"inbound"},
			"mediaFormat": map[string]any{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})
	return b
}

// MediaEnvelope renders a media event carrying pcm as base64.
func MediaEnvelope(seq int, pcm []byte) []byte {
	b, _ := json.Marshal(map[string]any{
		"event":          "media",
		"sequenceNumber": strconv.Itoa(seq),
		"media": map[string]any{
			"track":     "inbound",
			"chunk":     strconv.Itoa(seq),
			"timestamp": strconv.Itoa(seq * 20),
			"payload":   base64.StdEncoding.EncodeToString(pcm),
		},
	})
	return b
}

func StopEnvelope(callSID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event": "stop",
		"stop":  map[string]any{"callSid": callSID},
	})
	return b
}

// Controller records terminate commands.
type Controller struct {
	mu    sync.Mutex
	calls []string
	err   error
	hook  func(callID string)
}

func NewController() *Controller { return &Controller{} }

// FailWith makes every later Terminate return err.
func (c *Controller) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// OnTerminate installs a callback run inside Terminate.
func (c *Controller) OnTerminate(fn func(callID string)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

func (c *Controller) Terminate(ctx context.Context, callID string) error {
	c.mu.Lock()
	c.calls = append(c.calls, callID)
	err, hook := c.err, c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(callID)
	}
	return err
}

func (c *Controller) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

var (
	_ transports.MediaSource    = (*Source)(nil)
	_ transports.CallController = (*Controller)(nil)
)
