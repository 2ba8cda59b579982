// Package deepgramws speaks the Deepgram live transcription protocol over a
// plain websocket. It works against the hosted API and against any backend
// implementing the same wire format.
package deepgramws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/logging"
)

const DefaultURL = "wss://api.deepgram.com/v1/listen"

var errClosed = errors.New("stt session closed")

var (
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
)

type Config struct {
	URL          string
	APIKey       string
	Model        string
	Language     string
	Encoding     string
	SampleRate   int
	Channels     int
	Interim      bool
	Punctuate    bool
	KeepAlive    time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// ListenURL renders the streaming endpoint with the query options.
func (c Config) ListenURL() (string, error) {
	c = c.withDefaults()
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", c.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	q.Set("channels", strconv.Itoa(c.Channels))
	q.Set("punctuate", strconv.FormatBool(c.Punctuate))
	q.Set("interim_results", strconv.FormatBool(c.Interim))
	if c.Model != "" {
		q.Set("model", c.Model)
	}
	if c.Language != "" {
		q.Set("language", c.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type Session struct {
	cfg       Config
	conn      *websocket.Conn
	out       chan stt.Transcript
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func NewFactory(base Config) stt.Factory {
	return func(ctx context.Context, sc stt.Config) (stt.Session, error) {
		cfg := base
		if sc.SampleRate > 0 {
			cfg.SampleRate = sc.SampleRate
		}
		if sc.Encoding != "" {
			cfg.Encoding = sc.Encoding
		}
		if sc.Channels > 0 {
			cfg.Channels = sc.Channels
		}
		return Dial(ctx, cfg, sc.CallID)
	}
}

// Dial opens the websocket and starts the read loop.
func Dial(ctx context.Context, cfg Config, callID string) (*Session, error) {
	cfg = cfg.withDefaults()
	endpoint, err := cfg.ListenURL()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("stt url: %w", err), errorsx.ReasonSTTConnect)
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Token "+cfg.APIKey)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, errorsx.Wrap(fmt.Errorf("stt dial: %w", err), errorsx.ReasonSTTConnect)
	}

	s := &Session{
		cfg:    cfg,
		conn:   conn,
		out:    make(chan stt.Transcript, 64),
		done:   make(chan struct{}),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_ws").With(slog.String("call_id", callID)),
	}
	s.logger.Info("stt_connected", slog.String("host", hostOf(cfg.URL)), slog.Int("sample_rate", cfg.SampleRate))
	go s.readLoop()
	if cfg.KeepAlive > 0 {
		go s.keepAliveLoop(cfg.KeepAlive)
	}
	return s, nil
}

func (s *Session) Name() string { return "deepgram_ws" }

func (s *Session) Results() <-chan stt.Transcript { return s.out }

func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	if err := s.write(ctx, websocket.BinaryMessage, pcm); err != nil {
		return errorsx.Wrap(fmt.Errorf("stt send: %w", err), errorsx.ReasonSTTSend)
	}
	return nil
}

// Close asks the backend to flush, then drops the connection. The read loop
// observes the closed socket and ends the result sequence.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.write(context.Background(), websocket.TextMessage, closeStreamMsg)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
		s.logger.Info("stt_closed")
	})
	return err
}

func (s *Session) write(ctx context.Context, kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(kind, data)
}

func (s *Session) readLoop() {
	defer close(s.out)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Info("stt_backend_closed", slog.String("error", err.Error()))
			}
			return
		}
		tr, ok, err := stt.DecodeMessage(msg)
		if err != nil {
			s.logger.Warn("stt_message_invalid",
				slog.String("error", err.Error()),
				slog.String("reason_code", errorsx.LogValue(err)))
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.out <- tr:
		case <-s.done:
			return
		}
	}
}

func (s *Session) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(context.Background(), websocket.TextMessage, keepAliveMsg); err != nil {
				return
			}
		}
	}
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSpace(raw)
}

var _ stt.Session = (*Session)(nil)
