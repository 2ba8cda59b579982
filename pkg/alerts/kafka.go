// Package alerts publishes fraud verdicts to Kafka as a hub observer, so
// downstream case-management systems see every flagged call.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/events"
	"github.com/harunnryd/callguard/pkg/hub"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/metrics"
)

const observerID = "kafka_alerts"

type Config struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Principal string   `mapstructure:"principal"`
	// FraudOnly publishes only events with fraud_detected set.
	FraudOnly      bool          `mapstructure:"fraud_only"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	// BufferSize bounds each of the fraud and routine publish queues.
	BufferSize int `mapstructure:"buffer_size"`
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "callguard.fraud-alerts"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type outbound struct {
	ev      events.Wire
	payload []byte
}

// KafkaObserver is a persistent hub observer. Deliver only filters and
// queues; a single publisher goroutine talks to the broker, serving fraud
// events ahead of routine ones. A slow or failing broker costs buffered
// events, never the hub registration.
type KafkaObserver struct {
	cfg       Config
	writer    messageWriter
	enabled   bool
	metrics   metrics.Observer
	logger    *slog.Logger
	alerts    chan outbound
	routine   chan outbound
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKafkaObserver returns a log-only sink when disabled or without brokers.
func NewKafkaObserver(cfg Config, obs metrics.Observer) *KafkaObserver {
	cfg = cfg.withDefaults()
	k := &KafkaObserver{
		cfg:     cfg,
		metrics: obs,
		logger:  logging.NewComponentLogger(slog.Default(), "kafka_alerts"),
		stop:    make(chan struct{}),
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		k.logger.Info("kafka_disabled", slog.String("mode", "log_only"))
		return k
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	k.start(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.PublishTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	})
	k.logger.Info("kafka_publisher_initialized",
		slog.String("brokers", strings.Join(cfg.Brokers, ",")),
		slog.String("topic", cfg.Topic),
		slog.Int("buffer_size", cfg.BufferSize))
	return k
}

func (k *KafkaObserver) start(w messageWriter) {
	k.writer = w
	k.enabled = true
	k.alerts = make(chan outbound, k.cfg.BufferSize)
	k.routine = make(chan outbound, k.cfg.BufferSize)
	k.wg.Add(1)
	go k.run()
}

func (k *KafkaObserver) ID() string { return observerID }

// Persistent keeps the sink registered when the hub queue overflows.
func (k *KafkaObserver) Persistent() bool { return true }

// Deliver filters one broadcast payload and queues it for publishing. It
// never blocks on the broker and never reports an error to the hub.
func (k *KafkaObserver) Deliver(ctx context.Context, payload []byte) error {
	var ev events.Wire
	if err := json.Unmarshal(payload, &ev); err != nil {
		k.logger.Warn("alert_payload_invalid", slog.String("error", err.Error()))
		return nil
	}
	if k.cfg.FraudOnly && !ev.FraudDetected {
		return nil
	}
	if !k.enabled {
		k.logger.Info("alert", slog.String("call_id", ev.CallID), slog.Any("keywords", ev.Keywords))
		metrics.Record(k.metrics, metrics.EventAlertPublished, k.tags(ev))
		return nil
	}
	select {
	case <-k.stop:
		return nil
	default:
	}
	queue := k.routine
	if ev.FraudDetected {
		queue = k.alerts
	}
	select {
	case queue <- outbound{ev: ev, payload: payload}:
	default:
		k.dropped(ev, "buffer_full")
	}
	return nil
}

func (k *KafkaObserver) run() {
	defer k.wg.Done()
	for {
		select {
		case m := <-k.alerts:
			k.publish(context.Background(), m)
			continue
		default:
		}
		select {
		case m := <-k.alerts:
			k.publish(context.Background(), m)
		case m := <-k.routine:
			k.publish(context.Background(), m)
		case <-k.stop:
			k.flush()
			return
		}
	}
}

// flush publishes what is still queued, fraud first, within one publish
// timeout. Whatever is left after that is counted as dropped.
func (k *KafkaObserver) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.PublishTimeout)
	defer cancel()
	for _, queue := range []chan outbound{k.alerts, k.routine} {
	drain:
		for {
			select {
			case m := <-queue:
				if ctx.Err() != nil {
					k.dropped(m.ev, "shutdown")
					continue
				}
				k.publish(ctx, m)
			default:
				break drain
			}
		}
	}
}

// publish writes one event keyed by call id, so every event of a call lands
// on the same partition in order.
func (k *KafkaObserver) publish(ctx context.Context, m outbound) {
	tags := k.tags(m.ev)
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, k.cfg.PublishTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(m.ev.CallID),
		Value: m.payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType(m.ev))},
			{Key: "principal", Value: []byte(k.cfg.Principal)},
		},
	}
	if err := k.writer.WriteMessages(pctx, msg); err != nil {
		err = errorsx.Wrap(fmt.Errorf("publish alert: %w", err), errorsx.ReasonAlertPublish)
		k.logger.Error("alert_publish_failed",
			slog.String("call_id", m.ev.CallID),
			slog.String("error", err.Error()),
			slog.String("reason_code", errorsx.LogValue(err)))
		metrics.Record(k.metrics, metrics.EventAlertFailed, tags)
		return
	}
	metrics.RecordValue(k.metrics, metrics.EventAlertPublished, time.Since(start).Seconds(), tags)
}

func (k *KafkaObserver) dropped(ev events.Wire, reason string) {
	k.logger.Warn("alert_dropped",
		slog.String("call_id", ev.CallID),
		slog.Bool("fraud_detected", ev.FraudDetected),
		slog.String("reason", reason))
	tags := k.tags(ev)
	tags[metrics.TagOutcome] = reason
	metrics.Record(k.metrics, metrics.EventAlertDropped, tags)
}

func (k *KafkaObserver) tags(ev events.Wire) map[string]string {
	return map[string]string{
		metrics.TagCallID:    ev.CallID,
		metrics.TagComponent: "kafka_alerts",
	}
}

// Close stops the publisher after a bounded flush and closes the writer.
func (k *KafkaObserver) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.stop)
		k.wg.Wait()
		if k.writer != nil {
			err = k.writer.Close()
		}
	})
	return err
}

func eventType(ev events.Wire) string {
	switch {
	case ev.FraudDetected:
		return "fraud"
	case ev.IsFinal:
		return "final"
	default:
		return "partial"
	}
}

var (
	_ hub.Observer   = (*KafkaObserver)(nil)
	_ hub.Persistent = (*KafkaObserver)(nil)
)
