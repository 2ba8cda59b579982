// Package relay runs the per-call monitoring loop: inbound media goes to a
// streaming transcription session, transcripts are classified and broadcast,
// and a fraud verdict terminates the call.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/classifier"
	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/events"
	"github.com/harunnryd/callguard/pkg/frames"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/metrics"
	"github.com/harunnryd/callguard/pkg/redact"
	"github.com/harunnryd/callguard/pkg/transports"
)

var (
	ErrSessionUnavailable = errorsx.New("stt session unavailable", errorsx.ReasonSessionUnavailable)
	ErrBackendClosed      = errorsx.New("stt backend closed the stream", errorsx.ReasonBackendClosed)
	ErrIdleTimeout        = errors.New("no inbound media within idle timeout")
)

var (
	errInboundClosed   = errors.New("inbound media closed")
	errFraudTerminated = errors.New("fraud detected, call terminated")
)

// Close reasons reported in logs, metrics and Info.
const (
	ReasonFraud         = "fraud_terminated"
	ReasonInboundClosed = "inbound_closed"
	ReasonBackendClosed = "backend_closed"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonCancelled     = "cancelled"
	ReasonUnavailable   = "session_unavailable"
	ReasonError         = "error"
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Broadcaster receives every transcript event of every call.
type Broadcaster interface {
	Broadcast(ev events.TranscriptEvent) int
}

type Options struct {
	// FinalOnly skips classification of interim transcripts.
	FinalOnly bool
	// IdleTimeout ends the relay when no inbound envelope arrives in time.
	// Zero disables it.
	IdleTimeout      time.Duration
	TerminateTimeout time.Duration
	Encoding         string
	SampleRate       int
	Channels         int
}

func (o Options) withDefaults() Options {
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = 5 * time.Second
	}
	if o.Encoding == "" {
		o.Encoding = "mulaw"
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 8000
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	return o
}

type Deps struct {
	Registry   *Registry
	STT        stt.Factory
	Classifier classifier.Classifier
	Hub        Broadcaster
	Controller transports.CallController
	Metrics    metrics.Observer
	Logger     *slog.Logger
	Options    Options
}

type Stats struct {
	FramesForwarded int64    `json:"frames_forwarded"`
	FramesMalformed int64    `json:"frames_malformed"`
	BytesForwarded  int64    `json:"bytes_forwarded"`
	Transcripts     int64    `json:"transcripts"`
	FraudKeywords   []string `json:"fraud_keywords,omitempty"`
}

// Info is the admin view of a relay.
type Info struct {
	CallID      string    `json:"call_id"`
	TraceID     string    `json:"trace_id"`
	State       string    `json:"state"`
	Created     time.Time `json:"created"`
	CloseReason string    `json:"close_reason,omitempty"`
	Stats       Stats     `json:"stats"`
}

type Relay struct {
	callID  string
	traceID string
	created time.Time
	deps    Deps
	opts    Options
	src     transports.MediaSource
	sess    stt.Session
	logger  *slog.Logger
	metrics metrics.Observer

	ctx       context.Context
	cancel    context.CancelFunc
	state     atomic.Int32
	cancelled atomic.Bool
	fraud     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	framesForwarded atomic.Int64
	framesMalformed atomic.Int64
	bytesForwarded  atomic.Int64
	transcripts     atomic.Int64

	mu            sync.Mutex
	fraudKeywords []string
	closeReason   string
	closeErr      error
}

// Start registers a relay for callID, dials the transcription backend and
// starts both flows. On DuplicateCall or Draining nothing is started and the
// caller keeps ownership of src. On SessionUnavailable the registration is
// withdrawn before returning and src has not been read. A relay closed while
// dialing still finishes, so Done and Wait return for whoever found it.
func Start(ctx context.Context, callID string, src transports.MediaSource, deps Deps) (*Relay, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, errors.New("relay: call id required")
	}
	if src == nil || deps.Registry == nil || deps.STT == nil || deps.Classifier == nil {
		return nil, errors.New("relay: source, registry, stt factory and classifier are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopObserver{}
	}
	r := &Relay{
		callID:  callID,
		traceID: uuid.NewString(),
		created: time.Now(),
		deps:    deps,
		opts:    deps.Options.withDefaults(),
		src:     src,
		metrics: deps.Metrics,
		done:    make(chan struct{}),
	}
	r.logger = logging.NewComponentLogger(deps.Logger, "relay").With(
		slog.String("call_id", callID),
		slog.String("trace_id", r.traceID))
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := deps.Registry.Register(callID, r); err != nil {
		r.abort(ReasonError, err)
		r.logger.Warn("relay_rejected", slog.String("error", err.Error()), slog.String("reason_code", errorsx.LogValue(err)))
		r.record(metrics.EventCallRejected, 1, errorsx.LogValue(err))
		return nil, err
	}

	sess, err := deps.STT(r.ctx, stt.Config{
		CallID:     callID,
		TraceID:    r.traceID,
		SampleRate: r.opts.SampleRate,
		Encoding:   r.opts.Encoding,
		Channels:   r.opts.Channels,
	})
	if err != nil {
		deps.Registry.release(callID, r)
		err = fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		if r.cancelled.Load() {
			r.abort(ReasonCancelled, nil)
		} else {
			r.abort(ReasonUnavailable, err)
		}
		r.logger.Error("stt_session_unavailable", slog.String("error", err.Error()), slog.String("reason_code", string(errorsx.ReasonSessionUnavailable)))
		r.record(metrics.EventCallRejected, 1, string(errorsx.ReasonSessionUnavailable))
		return nil, err
	}
	r.sess = sess
	r.state.Store(int32(StateStreaming))
	r.logger.Info("relay_started", slog.String("stt", sess.Name()), slog.String("classifier", deps.Classifier.Name()))
	r.record(metrics.EventCallStarted, 1, "")

	go r.run()
	return r, nil
}

func (r *Relay) CallID() string     { return r.callID }
func (r *Relay) TraceID() string    { return r.traceID }
func (r *Relay) Created() time.Time { return r.created }
func (r *Relay) State() State       { return State(r.state.Load()) }

// Done is closed once teardown has completed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Close cancels the relay. It returns immediately; use Wait to block until
// teardown finished.
func (r *Relay) Close() {
	r.cancelled.Store(true)
	r.cancel()
}

// Wait blocks until teardown completed. It returns nil for the normal
// endings (inbound closed, fraud termination, cancellation) and the cause
// otherwise.
func (r *Relay) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	keywords := append([]string(nil), r.fraudKeywords...)
	r.mu.Unlock()
	return Stats{
		FramesForwarded: r.framesForwarded.Load(),
		FramesMalformed: r.framesMalformed.Load(),
		BytesForwarded:  r.bytesForwarded.Load(),
		Transcripts:     r.transcripts.Load(),
		FraudKeywords:   keywords,
	}
}

func (r *Relay) Info() Info {
	r.mu.Lock()
	reason := r.closeReason
	r.mu.Unlock()
	return Info{
		CallID:      r.callID,
		TraceID:     r.traceID,
		State:       r.State().String(),
		Created:     r.created,
		CloseReason: reason,
		Stats:       r.Stats(),
	}
}

func (r *Relay) run() {
	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error { return r.forward(gctx) })
	g.Go(func() error { return r.process(gctx) })
	g.Go(func() error {
		// Unblocks a pending Recv or Results read in the sibling flows.
		<-gctx.Done()
		_ = r.src.Close()
		_ = r.sess.Close()
		return nil
	})
	r.teardown(g.Wait())
}

// forward moves inbound audio to the session in arrival order.
func (r *Relay) forward(ctx context.Context) error {
	for {
		raw, err := r.recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrIdleTimeout) {
				return ErrIdleTimeout
			}
			r.logger.Debug("inbound_recv_ended", slog.String("error", err.Error()))
			return errInboundClosed
		}
		env, err := frames.DecodeEnvelope(raw)
		if err != nil {
			r.malformed(err)
			continue
		}
		switch env.Event {
		case frames.EventMedia:
		case frames.EventStop:
			r.logger.Info("inbound_stop_received")
			return errInboundClosed
		default:
			continue
		}
		af, err := env.AudioFrame(r.opts.SampleRate, r.opts.Channels)
		if err != nil {
			r.malformed(err)
			continue
		}
		n := af.Len()
		err = r.sess.SendAudio(ctx, af.RawPayload())
		af.Release()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrBackendClosed, err)
		}
		r.framesForwarded.Add(1)
		r.bytesForwarded.Add(int64(n))
		r.record(metrics.EventFrameForwarded, float64(n), "")
	}
}

func (r *Relay) recv(ctx context.Context) ([]byte, error) {
	if r.opts.IdleTimeout <= 0 {
		return r.src.Recv(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, r.opts.IdleTimeout)
	defer cancel()
	raw, err := r.src.Recv(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return nil, ErrIdleTimeout
	}
	return raw, err
}

func (r *Relay) malformed(err error) {
	r.framesMalformed.Add(1)
	r.logger.Warn("frame_malformed", slog.String("error", err.Error()), slog.String("reason_code", errorsx.LogValue(err)))
	r.record(metrics.EventFrameMalformed, 1, errorsx.LogValue(err))
}

// process classifies and broadcasts transcripts in backend order until the
// backend closes or fraud ends the call.
func (r *Relay) process(ctx context.Context) error {
	results := r.sess.Results()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-results:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrBackendClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if r.handle(ctx, tr) {
				return errFraudTerminated
			}
		}
	}
}

// handle reports true when the transcript triggered termination.
func (r *Relay) handle(ctx context.Context, tr stt.Transcript) bool {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return false
	}
	r.transcripts.Add(1)

	var matched []string
	if tr.IsFinal || !r.opts.FinalOnly {
		m, err := r.deps.Classifier.Check(ctx, text)
		if err != nil {
			r.logger.Warn("classifier_error", slog.String("error", err.Error()), slog.String("reason_code", errorsx.LogValue(err)))
			r.record(metrics.EventClassifierError, 1, errorsx.LogValue(err))
		} else {
			matched = m
		}
	}
	ev := events.NewTranscriptEvent(r.callID, text, tr.IsFinal, matched)
	r.logger.Debug("transcript",
		slog.String("text", redact.Text(text)),
		slog.Bool("is_final", ev.IsFinal()),
		slog.Bool("fraud_detected", ev.FraudDetected()))
	r.metrics.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTranscript,
		Time:  time.Now(),
		Value: 1,
		Tags: map[string]string{
			metrics.TagCallID:    r.callID,
			metrics.TagComponent: "relay",
			metrics.TagFinal:     fmt.Sprintf("%t", ev.IsFinal()),
		},
		Fields: map[string]any{"text": text, "keywords": ev.Keywords()},
	})
	if r.deps.Hub != nil {
		r.deps.Hub.Broadcast(ev)
	}
	if !ev.FraudDetected() {
		return false
	}

	r.fraud.Store(true)
	r.state.Store(int32(StateTerminating))
	r.mu.Lock()
	r.fraudKeywords = ev.Keywords()
	r.mu.Unlock()
	r.logger.Warn("fraud_detected", slog.Any("keywords", ev.Keywords()), slog.Bool("is_final", ev.IsFinal()))
	r.metrics.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventFraudDetected,
		Time:   time.Now(),
		Value:  1,
		Tags:   map[string]string{metrics.TagCallID: r.callID, metrics.TagComponent: "relay"},
		Fields: map[string]any{"keywords": ev.Keywords()},
	})
	r.terminate()
	return true
}

// terminate issues the call-control command once. Its context survives the
// relay's cancellation so a racing teardown cannot abort it.
func (r *Relay) terminate() {
	if r.deps.Controller == nil {
		r.logger.Warn("terminate_skipped", slog.String("reason", "no call controller"))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.opts.TerminateTimeout)
	defer cancel()
	start := time.Now()
	err := r.deps.Controller.Terminate(ctx, r.callID)
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		err = errorsx.Wrap(err, errorsx.ReasonTerminationCommand)
		r.logger.Error("terminate_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", errorsx.LogValue(err)),
			slog.Duration("elapsed", elapsed))
	} else {
		r.logger.Info("call_terminated", slog.Duration("elapsed", elapsed))
	}
	r.metrics.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTermination,
		Time:  time.Now(),
		Value: float64(elapsed.Milliseconds()),
		Tags: map[string]string{
			metrics.TagCallID:    r.callID,
			metrics.TagComponent: "relay",
			metrics.TagOutcome:   outcome,
		},
	})
}

func (r *Relay) teardown(cause error) {
	r.closeOnce.Do(func() {
		r.cancel()
		_ = r.sess.Close()
		_ = r.src.Close()
		released := r.deps.Registry.release(r.callID, r)

		reason, err := r.classify(cause)
		r.mu.Lock()
		r.closeReason = reason
		r.closeErr = err
		r.mu.Unlock()
		r.state.Store(int32(StateClosed))

		stats := r.Stats()
		r.logger.Info("relay_closed",
			slog.String("reason", reason),
			slog.Bool("unregistered", released),
			slog.Int64("frames_forwarded", stats.FramesForwarded),
			slog.Int64("frames_malformed", stats.FramesMalformed),
			slog.Int64("transcripts", stats.Transcripts),
			slog.Duration("duration", time.Since(r.created)))
		r.metrics.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventRelayClosed,
			Time:  time.Now(),
			Value: time.Since(r.created).Seconds(),
			Tags: map[string]string{
				metrics.TagCallID:    r.callID,
				metrics.TagComponent: "relay",
				metrics.TagOutcome:   reason,
			},
		})
		close(r.done)
	})
}

// abort finishes a relay whose flows never started. The relay may already
// have been found through the registry, so Done and Wait must still return.
func (r *Relay) abort(reason string, err error) {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		r.closeReason = reason
		r.closeErr = err
		r.mu.Unlock()
		r.state.Store(int32(StateClosed))
		close(r.done)
	})
}

// classify maps the first flow error to a close reason. A fraud verdict or
// caller cancellation wins over whichever flow happened to exit first.
func (r *Relay) classify(cause error) (string, error) {
	switch {
	case r.fraud.Load():
		return ReasonFraud, nil
	case r.cancelled.Load():
		return ReasonCancelled, nil
	case errors.Is(cause, errInboundClosed):
		return ReasonInboundClosed, nil
	case errors.Is(cause, ErrBackendClosed):
		return ReasonBackendClosed, cause
	case errors.Is(cause, ErrIdleTimeout):
		return ReasonIdleTimeout, cause
	case errors.Is(cause, context.Canceled):
		return ReasonCancelled, nil
	default:
		return ReasonError, cause
	}
}

func (r *Relay) record(name string, value float64, reasonCode string) {
	tags := map[string]string{
		metrics.TagCallID:    r.callID,
		metrics.TagComponent: "relay",
	}
	if reasonCode != "" {
		tags[metrics.TagReasonCode] = reasonCode
	}
	metrics.RecordValue(r.metrics, name, value, tags)
}
