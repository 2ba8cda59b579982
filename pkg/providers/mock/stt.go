// Package mock provides scripted providers for tests and local runs.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/errorsx"
)

var errSTTClosed = errors.New("mock stt closed")

type STTConfig struct {
	// Script is emitted once, after the first audio chunk arrives.
	Script []stt.Transcript
	// EndAfterScript closes the result sequence once the script is out,
	// as a backend hanging up would.
	EndAfterScript bool
	DialErr        error
	SendErr        error
}

// STTFactory hands out scripted sessions and remembers them for inspection.
type STTFactory struct {
	cfg      STTConfig
	mu       sync.Mutex
	sessions []*STTSession
}

func NewSTTFactory(cfg STTConfig) *STTFactory {
	return &STTFactory{cfg: cfg}
}

func (f *STTFactory) New(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	if f.cfg.DialErr != nil {
		return nil, errorsx.Wrap(f.cfg.DialErr, errorsx.ReasonSTTConnect)
	}
	s := &STTSession{
		cfg:    f.cfg,
		callID: cfg.CallID,
		out:    make(chan stt.Transcript, 64),
		done:   make(chan struct{}),
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *STTFactory) Sessions() []*STTSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*STTSession(nil), f.sessions...)
}

type STTSession struct {
	cfg       STTConfig
	callID    string
	out       chan stt.Transcript
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	ended     bool
	scripted  bool
	audio     [][]byte
}

func (s *STTSession) Name() string { return "mock_stt" }

func (s *STTSession) CallID() string { return s.callID }

func (s *STTSession) Results() <-chan stt.Transcript { return s.out }

func (s *STTSession) SendAudio(ctx context.Context, pcm []byte) error {
	select {
	case <-s.done:
		return errSTTClosed
	default:
	}
	if s.cfg.SendErr != nil {
		return errorsx.Wrap(s.cfg.SendErr, errorsx.ReasonSTTSend)
	}
	s.mu.Lock()
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	runScript := !s.scripted
	s.scripted = true
	s.mu.Unlock()
	if runScript {
		for _, tr := range s.cfg.Script {
			s.Push(tr)
		}
		if s.cfg.EndAfterScript {
			s.End()
		}
	}
	return nil
}

// Push emits one transcript as if the backend produced it.
func (s *STTSession) Push(tr stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.out <- tr:
	case <-s.done:
	}
}

// End closes the result sequence as if the backend hung up.
func (s *STTSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.out)
}

func (s *STTSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.End()
	return nil
}

func (s *STTSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Audio returns copies of every chunk received, in order.
func (s *STTSession) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

var _ stt.Session = (*STTSession)(nil)
