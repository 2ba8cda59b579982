package observers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harunnryd/callguard/pkg/metrics"
)

const namespace = "callguard"

// PrometheusObserver folds relay events into Prometheus series. call_id is
// never used as a label.
type PrometheusObserver struct {
	callsStarted     prometheus.Counter
	callsRejected    *prometheus.CounterVec
	callsActive      prometheus.Gauge
	framesForwarded  prometheus.Counter
	audioBytes       prometheus.Counter
	framesMalformed  prometheus.Counter
	transcripts      *prometheus.CounterVec
	fraudDetected    prometheus.Counter
	terminations     *prometheus.CounterVec
	terminateLatency prometheus.Histogram
	relaysClosed     *prometheus.CounterVec
	relayDuration    prometheus.Histogram
	observersAdded   prometheus.Counter
	observersRemoved *prometheus.CounterVec
	observerSkipped  prometheus.Counter
	classifierErrors *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	breakerEvents    *prometheus.CounterVec
	artifactsPurged  prometheus.Counter
}

// NewPrometheusObserver registers the series on reg. A nil reg uses the
// default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		callsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls whose relay started streaming",
		}),
		callsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Media sockets refused before streaming",
		}, []string{"reason_code"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Relays currently running",
		}),
		framesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Audio frames forwarded to the transcription backend",
		}),
		audioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "Audio bytes forwarded to the transcription backend",
		}),
		framesMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Inbound envelopes skipped as malformed",
		}),
		transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcripts classified and broadcast",
		}, []string{"is_final"}),
		fraudDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_detected_total",
			Help:      "Calls flagged as fraud",
		}),
		terminations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Call termination commands by outcome",
		}, []string{"outcome"}),
		terminateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "termination_latency_seconds",
			Help:      "Time spent issuing the termination command",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		relaysClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_closed_total",
			Help:      "Relays closed by reason",
		}, []string{"reason"}),
		relayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Lifetime of a relay",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		observersAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observers_added_total",
			Help:      "Observers attached to the hub",
		}),
		observersRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observers_removed_total",
			Help:      "Observers detached from the hub by reason",
		}, []string{"reason"}),
		observerSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_dropped_total",
			Help:      "Events a persistent observer had no queue room for",
		}),
		classifierErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_errors_total",
			Help:      "Classifier failures treated as no match",
		}, []string{"reason_code"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Fraud alerts published to the message bus",
		}, []string{"outcome"}),
		breakerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Circuit breaker and rate limit events",
		}, []string{"provider", "event"}),
		artifactsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_purged_total",
			Help:      "Timeline files removed by retention",
		}),
	}
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	tag := func(k string) string { return ev.Tags[k] }
	switch ev.Name {
	case metrics.EventCallStarted:
		o.callsStarted.Inc()
		o.callsActive.Inc()
	case metrics.EventCallRejected:
		o.callsRejected.WithLabelValues(tag(metrics.TagReasonCode)).Inc()
	case metrics.EventFrameForwarded:
		o.framesForwarded.Inc()
		o.audioBytes.Add(ev.Value)
	case metrics.EventFrameMalformed:
		o.framesMalformed.Inc()
	case metrics.EventTranscript:
		o.transcripts.WithLabelValues(tag(metrics.TagFinal)).Inc()
	case metrics.EventFraudDetected:
		o.fraudDetected.Inc()
	case metrics.EventTermination:
		o.terminations.WithLabelValues(tag(metrics.TagOutcome)).Inc()
		o.terminateLatency.Observe(ev.Value / 1000)
	case metrics.EventRelayClosed:
		o.callsActive.Dec()
		o.relaysClosed.WithLabelValues(tag(metrics.TagOutcome)).Inc()
		o.relayDuration.Observe(ev.Value)
	case metrics.EventObserverAdded:
		o.observersAdded.Inc()
	case metrics.EventObserverRemoved:
		o.observersRemoved.WithLabelValues(tag(metrics.TagOutcome)).Inc()
	case metrics.EventObserverSkip:
		o.observerSkipped.Inc()
	case metrics.EventClassifierError:
		o.classifierErrors.WithLabelValues(tag(metrics.TagReasonCode)).Inc()
	case metrics.EventAlertPublished:
		o.alerts.WithLabelValues("ok").Inc()
	case metrics.EventAlertFailed:
		o.alerts.WithLabelValues("failed").Inc()
	case metrics.EventAlertDropped:
		o.alerts.WithLabelValues("dropped").Inc()
	case metrics.EventBreakerDenied, metrics.EventBreakerOpen, metrics.EventBreakerClose, metrics.EventRateLimit:
		o.breakerEvents.WithLabelValues(tag(metrics.TagProvider), ev.Name).Inc()
	case metrics.EventArtifactsPurged:
		o.artifactsPurged.Add(ev.Value)
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
