// Package hub fans transcript events out to monitoring observers.
//
// Each observer owns a bounded queue drained by its own writer goroutine, so
// Broadcast never waits on a socket. An observer whose queue fills up, whose
// delivery fails, or whose delivery outlives the send timeout is removed;
// the others keep receiving. A Persistent observer only loses the event that
// did not fit.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/events"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/metrics"
)

var ErrDeliveryFailed = errorsx.New("observer delivery failed", errorsx.ReasonObserverDelivery)

// Observer is one subscriber. Deliver must honour ctx so a stalled peer
// cannot pin its writer past the send timeout.
type Observer interface {
	ID() string
	Deliver(ctx context.Context, payload []byte) error
	Close() error
}

// Persistent is implemented by observers that must stay registered through
// bursts, such as alert sinks with their own buffering.
type Persistent interface {
	Persistent() bool
}

type Config struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoopObserver{}
	}
	return c
}

type Hub struct {
	cfg     Config
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	obs        Observer
	persistent bool
	queue      chan []byte
	done       chan struct{}
	once       sync.Once
}

func New(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(cfg.Logger, "observer_hub"),
		clients: make(map[string]*client),
	}
}

// Add registers obs. It reports false when obs is already registered or the
// hub is closed.
func (h *Hub) Add(obs Observer) bool {
	if obs == nil {
		return false
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if _, ok := h.clients[obs.ID()]; ok {
		h.mu.Unlock()
		return false
	}
	c := &client{
		obs:   obs,
		queue: make(chan []byte, h.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	if p, ok := obs.(Persistent); ok {
		c.persistent = p.Persistent()
	}
	h.clients[obs.ID()] = c
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writer(c)
	h.logger.Info("observer_added", slog.String("observer_id", obs.ID()), slog.Int("observers", count))
	metrics.Record(h.cfg.Metrics, metrics.EventObserverAdded, map[string]string{metrics.TagComponent: "observer_hub"})
	return true
}

// Remove unregisters obs and closes it. It reports whether obs was present.
func (h *Hub) Remove(obs Observer) bool {
	if obs == nil {
		return false
	}
	h.mu.RLock()
	c := h.clients[obs.ID()]
	h.mu.RUnlock()
	if c == nil || c.obs != obs {
		return false
	}
	return h.drop(c, "removed", nil)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for every observer and returns how many accepted it.
func (h *Hub) Broadcast(ev events.TranscriptEvent) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event_marshal_failed", slog.String("call_id", ev.CallID()), slog.String("error", err.Error()))
		return 0
	}
	h.mu.RLock()
	var full, skipped []*client
	accepted := 0
	for _, c := range h.clients {
		select {
		case c.queue <- payload:
			accepted++
		default:
			if c.persistent {
				skipped = append(skipped, c)
			} else {
				full = append(full, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range skipped {
		h.logger.Warn("observer_event_dropped", slog.String("observer_id", c.obs.ID()), slog.String("call_id", ev.CallID()))
		metrics.Record(h.cfg.Metrics, metrics.EventObserverSkip, map[string]string{
			metrics.TagComponent: "observer_hub",
			metrics.TagCallID:    ev.CallID(),
		})
	}
	for _, c := range full {
		h.drop(c, "queue_full", nil)
	}
	return accepted
}

// Close removes every observer and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c, "hub_closed", nil)
	}
	h.wg.Wait()
}

func (h *Hub) writer(c *client) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			if err := h.deliver(c, payload); err != nil {
				reason := "delivery_failed"
				if errors.Is(err, context.DeadlineExceeded) {
					reason = "send_timeout"
				}
				h.drop(c, reason, err)
				return
			}
		}
	}
}

func (h *Hub) deliver(c *client, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.obs.Deliver(ctx, payload) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, ctx.Err())
	}
}

// drop removes c if it is still the registered client for its ID, then
// closes it once.
func (h *Hub) drop(c *client, reason string, cause error) bool {
	id := c.obs.ID()
	h.mu.Lock()
	removed := false
	if cur, ok := h.clients[id]; ok && cur == c {
		delete(h.clients, id)
		removed = true
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.once.Do(func() {
		close(c.done)
		_ = c.obs.Close()
	})
	if !removed {
		return false
	}
	attrs := []any{
		slog.String("observer_id", id),
		slog.String("reason", reason),
		slog.Int("observers", count),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()), slog.String("reason_code", string(errorsx.ReasonObserverDelivery)))
		h.logger.Warn("observer_removed", attrs...)
	} else {
		h.logger.Info("observer_removed", attrs...)
	}
	metrics.Record(h.cfg.Metrics, metrics.EventObserverRemoved, map[string]string{
		metrics.TagComponent: "observer_hub",
		metrics.TagOutcome:   reason,
	})
	return true
}
