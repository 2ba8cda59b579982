// Package twilio connects the relay to Twilio Programmable Voice: the voice
// webhook forks call audio to a media websocket, each media socket becomes
// one relay, and fraud verdicts hang the call up through the REST API.
package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/frames"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/redact"
	"github.com/harunnryd/callguard/pkg/relay"
	"github.com/harunnryd/callguard/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

const (
	defaultStartTimeout = 10 * time.Second
	maxPreambleFrames   = 8
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	ForwardTo          string   `mapstructure:"forward_to"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	StreamTrack        string   `mapstructure:"stream_track"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// StartTimeout bounds the wait for the start event when the media URL
	// carries no callSid.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.StreamTrack == "" {
		c.StreamTrack = "inbound_track"
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StartFunc starts the relay for one media socket.
type StartFunc func(ctx context.Context, callID string, src transports.MediaSource) (*relay.Relay, error)

// Transport serves the Twilio-facing HTTP surface.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	start    StartFunc
	registry *relay.Registry
	logger   *slog.Logger
	draining atomic.Bool
}

func New(cfg Config, start StartFunc, registry *relay.Registry) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:      cfg,
		start:    start,
		registry: registry,
		logger:   logging.NewComponentLogger(slog.Default(), "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

// Routes mounts the voice webhook, the media socket and the status callback.
func (t *Transport) Routes(r chi.Router) {
	r.Post(t.cfg.VoicePath, t.handleVoice)
	r.Get(t.cfg.WebsocketPath, t.handleMedia)
	r.Post(t.cfg.StatusCallbackPath, t.handleStatusCallback)
}

// Drain refuses new media sockets. Relays already running are untouched.
func (t *Transport) Drain() { t.draining.Store(true) }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicHTTPURL(t.cfg.VoicePath),
		"media_url":           t.mediaURL(nil, ""),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusCallbackPath),
	}
}

// CheckOrigin applies the configured origin policy. Observer sockets reuse it.
func (t *Transport) CheckOrigin(r *http.Request) bool { return t.checkOrigin(r) }

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callSID := strings.TrimSpace(r.FormValue("CallSid"))
	t.logger.Info("voice_webhook",
		slog.String("call_id", callSID),
		slog.String("from", redact.Number(r.FormValue("From"))))

	doc, err := t.voiceTwiml(t.mediaURL(r, callSID), callSID)
	if err != nil {
		t.logger.Error("voice_twiml_failed", slog.String("call_id", callSID), slog.String("error", err.Error()))
		http.Error(w, "twiml unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

// voiceTwiml forks the caller audio to the media socket and keeps the call
// going, bridged to ForwardTo when set.
func (t *Transport) voiceTwiml(streamURL, callSID string) (string, error) {
	var verbs []twiml.Element
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: greeting})
	}
	stream := &twiml.VoiceStream{Url: streamURL, Track: t.cfg.StreamTrack}
	if callSID != "" {
		stream.InnerElements = []twiml.Element{&twiml.VoiceParameter{Name: "callSid", Value: callSID}}
	}
	verbs = append(verbs, &twiml.VoiceStart{InnerElements: []twiml.Element{stream}})
	if to := strings.TrimSpace(t.cfg.ForwardTo); to != "" {
		verbs = append(verbs, &twiml.VoiceDial{Number: to})
	} else {
		verbs = append(verbs, &twiml.VoicePause{Length: "3600"})
	}
	return twiml.Voice(verbs)
}

func (t *Transport) handleMedia(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() || (t.registry != nil && t.registry.Draining()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	src := newMediaSource(conn)
	ctx := r.Context()

	callID := strings.TrimSpace(r.URL.Query().Get("callSid"))
	if callID == "" {
		callID, err = t.awaitStart(ctx, src)
		if err != nil {
			t.logger.Warn("media_start_missing", slog.String("error", err.Error()))
			_ = src.Close()
			return
		}
	}

	rl, err := t.start(ctx, callID, src)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrSessionUnavailable):
			t.logger.Error("media_rejected",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonSessionUnavailable)))
		default:
			t.logger.Warn("media_rejected",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
				slog.String("reason_code", errorsx.LogValue(err)))
		}
		_ = src.Close()
		return
	}
	if err := rl.Wait(); err != nil {
		t.logger.Warn("media_relay_failed", slog.String("call_id", callID), slog.String("error", err.Error()))
	}
	t.logger.Info("media_closed", slog.String("call_id", callID), slog.String("close_reason", rl.Info().CloseReason))
}

// awaitStart reads until the start envelope names the call. Everything read
// is replayed to the relay.
func (t *Transport) awaitStart(ctx context.Context, src *mediaSource) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StartTimeout)
	defer cancel()
	for i := 0; i < maxPreambleFrames; i++ {
		raw, err := src.read(ctx)
		if err != nil {
			return "", err
		}
		src.pending = append(src.pending, raw)
		env, err := frames.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if env.Event == frames.EventStart {
			if sid := env.CallSID(); sid != "" {
				return sid, nil
			}
			return "", errors.New("start event without call sid")
		}
		if env.Event == frames.EventMedia || env.Event == frames.EventStop {
			break
		}
	}
	return "", errors.New("no start event before media")
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" || t.registry == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if rl, err := t.registry.Lookup(callSID); err == nil {
		t.logger.Info("call_ended_by_status", slog.String("call_id", callSID), slog.String("status", reason))
		rl.Close()
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) mediaURL(r *http.Request, callSID string) string {
	host := normalizePublicURL(t.cfg.PublicURL)
	if host == "" && r != nil {
		host = r.Host
	}
	if host == "" {
		host = "localhost" + t.cfg.ServerAddr
	}
	u := "wss://" + host + t.cfg.WebsocketPath
	if callSID != "" {
		u += "?callSid=" + url.QueryEscape(callSID)
	}
	return u
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// mediaSource adapts one media websocket to transports.MediaSource.
type mediaSource struct {
	conn      *websocket.Conn
	pending   [][]byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newMediaSource(conn *websocket.Conn) *mediaSource {
	return &mediaSource{conn: conn}
}

func (s *mediaSource) Recv(ctx context.Context) ([]byte, error) {
	if len(s.pending) > 0 {
		raw := s.pending[0]
		s.pending = s.pending[1:]
		return raw, nil
	}
	return s.read(ctx)
}

func (s *mediaSource) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, msg, err := s.conn.ReadMessage()
	if err == nil {
		return msg, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if s.closed.Load() ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, err
}

func (s *mediaSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// normalizeCallEndReason maps a CallStatus to a terminal reason. Non-terminal
// statuses map to "".
func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "", "queued", "initiated", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
