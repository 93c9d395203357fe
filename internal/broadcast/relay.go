package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Subscriber opens subscriptions on a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Relay forwards one topic's messages to a websocket client. It is read-only
// from the client's side; inbound frames are discarded.
type Relay struct {
	subscriber Subscriber
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewRelay returns a relay reading from subscriber.
func NewRelay(subscriber Subscriber, logger *slog.Logger) *Relay {
	return &Relay{
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// Serve upgrades the request and relays topic until either side goes away.
// Authorization is the caller's responsibility.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, topic string) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Subscribe before upgrading so a client never misses messages published
	// after its handshake completed.
	sub, err := rl.subscriber.Subscribe(ctx, topic)
	if err != nil {
		rl.logger.Error("relay subscribe failed", "topic", topic, "error", err)
		http.Error(w, "subscription unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		rl.logger.Warn("websocket upgrade failed", "topic", topic, "error", err)
		return
	}
	defer conn.Close()

	go rl.readPump(conn, cancel)
	rl.writePump(ctx, conn, sub, topic)
}

// readPump services control frames and cancels the relay when the client disconnects.
func (rl *Relay) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				rl.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

func (rl *Relay) writePump(ctx context.Context, conn *websocket.Conn, sub Subscription, topic string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				rl.logger.Warn("websocket write error", "topic", topic, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
