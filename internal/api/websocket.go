package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"tradegate/internal/events"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsBufferSize   = 256
)

// Hub streams transition events to websocket clients. Each connection is
// one bus subscription, optionally filtered by ?user=.
type Hub struct {
	bus     *events.Bus
	log     *slog.Logger
	clients atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a Hub fed by bus.
func NewHub(bus *events.Bus, log *slog.Logger) *Hub {
	return &Hub{bus: bus, log: log, done: make(chan struct{})}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int64 { return h.clients.Load() }

// ServeHTTP upgrades the connection and forwards events until the client
// disconnects or a write fails.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	user := r.URL.Query().Get("user")
	subID, ch := h.bus.Subscribe(user, wsBufferSize)
	defer h.bus.Unsubscribe(subID)

	h.clients.Add(1)
	defer h.clients.Add(-1)
	h.log.Info("websocket client subscribed", "subID", subID, "user", user)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket client disconnected", "subID", subID)
			return
		case <-h.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("encoding event", "error", err)
				continue
			}
			if err := write(ctx, conn, data); err != nil {
				h.log.Info("websocket write failed", "subID", subID, "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
