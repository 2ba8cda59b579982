// Package callguard assembles the monitoring service: config, providers,
// the relay registry, the observer hub, the Twilio surface, metrics sinks
// and the process lifecycle.
package callguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/alerts"
	"github.com/harunnryd/callguard/pkg/classifier"
	"github.com/harunnryd/callguard/pkg/configutil"
	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/hub"
	"github.com/harunnryd/callguard/pkg/llm"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/metrics"
	"github.com/harunnryd/callguard/pkg/observers"
	"github.com/harunnryd/callguard/pkg/redact"
	"github.com/harunnryd/callguard/pkg/relay"
	"github.com/harunnryd/callguard/pkg/resilience"
	"github.com/harunnryd/callguard/pkg/runner"
	"github.com/harunnryd/callguard/pkg/transports"
	"github.com/harunnryd/callguard/pkg/transports/twilio"
)

const retentionInterval = time.Hour

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Controller replaces the Twilio REST controller.
	Controller transports.CallController
	// Observers join the hub next to the Kafka sink.
	Observers []hub.Observer
}

type Engine struct {
	cfg        Config
	base       *slog.Logger
	logger     *slog.Logger
	registry   *relay.Registry
	hub        *hub.Hub
	transport  *twilio.Transport
	controller transports.CallController
	classifier classifier.Classifier
	stt        stt.Factory
	metrics    *metrics.AsyncObserver
	sinks      *observers.MultiObserver
	timeline   *observers.TimelineObserver
	promReg    *prometheus.Registry
	router     chi.Router
	server     *http.Server
	runner     *runner.LifecycleRunner
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("callguard_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"classifier_mode", cfg.ClassifierMode(),
		"transport", cfg.Transports.Provider,
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	e := &Engine{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "engine"),
		registry: relay.NewRegistry(),
		promReg:  prometheus.NewRegistry(),
	}
	e.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.buildMetrics(logger)

	factory, err := providers.BuildSTT(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, e.abort(err)
	}
	e.stt = factory

	if e.classifier, err = e.buildClassifier(providers); err != nil {
		return nil, e.abort(err)
	}

	if !strings.EqualFold(strings.TrimSpace(cfg.Transports.Provider), "twilio") {
		return nil, e.abort(fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider))
	}
	var twcfg twilio.Config
	if err := configutil.DecodeProvider("transports.settings", cfg.Transports.Settings, configutil.Schema{
		Required: []string{"auth_token", "account_sid"},
		Optional: []string{
			"server_addr", "public_url", "voice_path", "ws_path", "status_callback_path",
			"forward_to", "voice_greeting", "stream_track", "allow_any_origin",
			"allowed_origins", "start_timeout",
		},
	}, &twcfg); err != nil {
		return nil, e.abort(err)
	}
	if twcfg.ServerAddr == "" {
		twcfg.ServerAddr = cfg.Server.Addr
	}
	e.controller = opts.Controller
	if e.controller == nil {
		e.controller = twilio.NewController(twcfg)
	}
	e.transport = twilio.New(twcfg, e.StartRelay, e.registry)

	e.hub = hub.New(hub.Config{
		QueueSize:   cfg.Hub.QueueSize,
		SendTimeout: ms(cfg.Hub.SendTimeoutMS),
		Logger:      logger,
		Metrics:     e.metrics,
	})
	if cfg.Alerts.Kafka.Enabled {
		e.hub.Add(alerts.NewKafkaObserver(cfg.Alerts.Kafka, e.metrics))
	}
	for _, obs := range opts.Observers {
		e.hub.Add(obs)
	}

	e.router = e.routes()
	e.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e.router,
		ReadHeaderTimeout: ms(cfg.Server.ReadHeaderTimeoutMS),
	}

	drainTimeout := ms(cfg.Server.DrainTimeoutMS)
	if drainTimeout <= 0 {
		drainTimeout = 20 * time.Second
	}
	hooks := runner.Hooks{
		OnStart: e.start,
		OnStop: func() {
			e.metrics.Close()
			if err := e.sinks.Flush(); err != nil {
				e.logger.Warn("metrics_flush_failed", slog.String("error", err.Error()))
			}
			if e.timeline != nil {
				_ = e.timeline.Close()
			}
			e.logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_calls", e.registry.Count())
		},
	}
	// The runner's own timeout leaves room for the server shutdown after
	// relays have drained.
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), hooks, drainTimeout+5*time.Second)
	return e, nil
}

func (e *Engine) buildMetrics(logger *slog.Logger) {
	logObs := metrics.NewSamplingObserver(observers.NewLoggerObserver(logger), e.cfg.Observability.LogSampleRate)
	list := []metrics.Observer{observers.NewPrometheusObserver(e.promReg), logObs}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		e.timeline = observers.NewTimelineObserver(dir)
		list = append(list, e.timeline)
	}
	e.sinks = observers.NewMultiObserver(list...)
	e.metrics = metrics.NewAsyncObserver(e.sinks, e.cfg.Observability.MetricsBuffer)
}

func (e *Engine) buildClassifier(providers *ProviderRegistry) (classifier.Classifier, error) {
	keyword := classifier.NewKeyword(e.cfg.Classifier.Keywords)
	mode := e.cfg.ClassifierMode()
	if mode == ModeKeyword || mode == "" {
		return keyword, nil
	}
	adapter, err := providers.BuildLLM(e.cfg.Vendors.LLM.Provider, e.cfg)
	if err != nil {
		return nil, err
	}
	adapter = llm.NewRetryAdapter(adapter, llm.RetryConfig{MaxAttempts: e.cfg.Classifier.Retries})
	breaker := resilience.NewCircuitBreaker(e.cfg.Classifier.BreakerErrors, ms(e.cfg.Classifier.BreakerCoolMS))
	adapter = llm.NewCircuitBreakerAdapter(adapter, breaker, e.metrics)
	model := classifier.NewLLM(adapter, classifier.LLMConfig{
		MinConfidence: e.cfg.Classifier.MinConfidence,
		Timeout:       ms(e.cfg.Classifier.TimeoutMS),
	})
	if mode == ModeLLM {
		return model, nil
	}
	return classifier.NewHybrid(keyword, model), nil
}

// abort releases what NewEngine built before failing.
func (e *Engine) abort(err error) error {
	e.logger.Error("engine_init_failed", slog.String("error", err.Error()), slog.String("reason_code", errorsx.LogValue(err)))
	if e.metrics != nil {
		e.metrics.Close()
	}
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	return err
}

// StartRelay begins monitoring one call. The Twilio media socket calls it
// for each stream.
func (e *Engine) StartRelay(ctx context.Context, callID string, src transports.MediaSource) (*relay.Relay, error) {
	return relay.Start(ctx, callID, src, relay.Deps{
		Registry:   e.registry,
		STT:        e.stt,
		Classifier: e.classifier,
		Hub:        e.hub,
		Controller: e.controller,
		Metrics:    e.metrics,
		Logger:     e.base,
		Options: relay.Options{
			FinalOnly:        e.cfg.Relay.FinalOnly,
			IdleTimeout:      ms(e.cfg.Relay.IdleTimeoutMS),
			TerminateTimeout: ms(e.cfg.Relay.TerminateTimeoutMS),
			Encoding:         e.cfg.Relay.Encoding,
			SampleRate:       e.cfg.Relay.SampleRate,
		},
	})
}

func (e *Engine) start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Server.Addr, err)
	}
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("server_failed", slog.String("error", err.Error()))
			e.runner.Fail(err)
		}
	}()
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" && e.cfg.Observability.RetentionDays > 0 {
		go observers.RunRetention(ctx, dir, e.cfg.RetentionAge(), retentionInterval, e.metrics, e.logger)
	}

	fields := []any{"message", "CallGuard Ready", "addr", ln.Addr().String()}
	for k, v := range e.transport.ReadyFields() {
		fields = append(fields, k, v)
	}
	e.logger.Info("engine_ready", fields...)
	return nil
}

// drain refuses new calls, ends the live ones, then stops serving HTTP and
// the observer hub.
func (e *Engine) drain(ctx context.Context) error {
	e.transport.Drain()
	e.registry.SetDraining(true)
	e.registry.CloseAll()
	var errs []error
	if !e.registry.WaitForEmpty(ctx, 200*time.Millisecond) {
		errs = append(errs, fmt.Errorf("drain: %d relays still active", e.registry.Count()))
	}
	if err := e.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	e.hub.Close()
	return errors.Join(errs...)
}

// Run serves until ctx ends or Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Handler() http.Handler { return e.router }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *relay.Registry { return e.registry }

func (e *Engine) Hub() *hub.Hub { return e.hub }

func (e *Engine) Transport() *twilio.Transport { return e.transport }

func (e *Engine) Gatherer() prometheus.Gatherer { return e.promReg }

func (e *Engine) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	e.transport.Routes(r)
	r.Handle("/observers", hub.Handler(e.hub, e.transport.CheckOrigin))
	metricsPath := e.cfg.Observability.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handle(metricsPath, promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{}))
	r.Get("/health", e.handleHealth)
	r.Route("/calls", func(r chi.Router) {
		r.Get("/", e.handleListCalls)
		r.Get("/{callSid}", e.handleGetCall)
		r.Delete("/{callSid}", e.handleCloseCall)
	})
	return r
}
