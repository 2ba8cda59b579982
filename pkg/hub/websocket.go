package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultWriteWait = 5 * time.Second

// WSObserver delivers events as websocket text messages.
type WSObserver struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWSObserver(conn *websocket.Conn) *WSObserver {
	return &WSObserver{id: uuid.NewString(), conn: conn}
}

func (o *WSObserver) ID() string { return o.id }

func (o *WSObserver) Deliver(ctx context.Context, payload []byte) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	_ = o.conn.SetWriteDeadline(deadline)
	if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

func (o *WSObserver) Close() error {
	var err error
	o.closeOnce.Do(func() {
		_ = o.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		err = o.conn.Close()
	})
	return err
}

// Handler upgrades observer connections and keeps them registered until the
// peer goes away. Inbound messages are read and discarded.
func Handler(h *Hub, checkOrigin func(*http.Request) bool) http.Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("observer_upgrade_failed", slog.String("error", err.Error()))
			return
		}
		obs := NewWSObserver(conn)
		if !h.Add(obs) {
			_ = obs.Close()
			return
		}
		defer h.Remove(obs)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}
