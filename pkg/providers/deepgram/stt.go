package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errClosed = errors.New("deepgram session closed")

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Channels       int
	Interim        bool
	Punctuate      bool
	SmartFormat    bool
	VADEvents      bool
	UtteranceEndMS int
	Keepalive      bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.Model == "" {
		c.Model = "nova-2"
	}
	return c
}

// Session streams one call's audio through the Deepgram SDK.
type Session struct {
	cfg     Config
	callID  string
	dg      *client.WSCallback
	out     chan stt.Transcript
	ctx     context.Context
	cancel  context.CancelFunc
	pr      *io.PipeReader
	pw      *io.PipeWriter
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
	metaLog sync.Once
}

// NewFactory returns a factory dialing one SDK session per call. Per-call
// sample rate and encoding override the base config when set.
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

// Dial connects to Deepgram and starts streaming from an internal pipe.
func Dial(ctx context.Context, cfg Config, callID string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		callID: callID,
		out:    make(chan stt.Transcript, 64),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt").With(slog.String("call_id", callID)),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pr, s.pw = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: cfg.Keepalive,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		InterimResults: cfg.Interim,
		Punctuate:      cfg.Punctuate,
		SmartFormat:    cfg.SmartFormat,
		VadEvents:      cfg.VADEvents,
	}
	if cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("model", cfg.Model),
		slog.String("encoding", cfg.Encoding),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Bool("interim", cfg.Interim))

	dg, err := client.NewWSUsingCallback(s.ctx, cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.cancel()
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return nil, errorsx.Wrap(fmt.Errorf("deepgram client: %w", err), errorsx.ReasonSTTConnect)
	}
	s.dg = dg

	if connected := s.dg.Connect(); !connected {
		s.cancel()
		s.logger.Error("deepgram_connect_failed")
		return nil, errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}
	s.logger.Info("deepgram_connected")

	go func() {
		if err := s.dg.Stream(s.pr); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return s, nil
}

func (s *Session) Name() string { return "deepgram" }

func (s *Session) Results() <-chan stt.Transcript { return s.out }

func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return errClosed
	}
	if _, err := s.pw.Write(pcm); err != nil {
		return errorsx.Wrap(fmt.Errorf("deepgram send: %w", err), errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *Session) Close() error {
	s.finish()
	_ = s.pw.Close()
	_ = s.pr.CloseWithError(errClosed)
	if s.dg != nil {
		s.dg.Stop()
	}
	return nil
}

// finish ends the result sequence exactly once. Cancelling first releases
// any callback blocked in emit so the lock can be taken.
func (s *Session) finish() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	s.logger.Info("closing deepgram connection")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(tr stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- tr:
	case <-s.ctx.Done():
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *Session
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	raw, _ := json.Marshal(mr)
	tr := stt.Transcript{
		Text:        alt.Transcript,
		IsFinal:     mr.IsFinal,
		SpeechFinal: mr.SpeechFinal,
		Confidence:  alt.Confidence,
		Start:       mr.Start,
		Duration:    mr.Duration,
		Raw:         raw,
	}
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(tr.Text)),
		slog.Bool("is_final", tr.IsFinal))
	c.parent.emit(tr)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.metaLog.Do(func() {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	})
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	return nil
}

// Close is the backend closing the stream; the result sequence ends.
func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.finish()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.Session = (*Session)(nil)
