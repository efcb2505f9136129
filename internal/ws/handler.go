package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub        *Hub
	prefix     string
	pingPeriod time.Duration
}

// NewHandler creates a new WebSocket handler serving /ws/{topic} under
// prefix, e.g. "/ws/" + "back". An empty topic subscribes to all.
func NewHandler(hub *Hub, prefix string) *Handler {
	return &Handler{hub: hub, prefix: prefix, pingPeriod: 30 * time.Second}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	if topic == "" {
		topic = TopicAll
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	h.hub.logger.Debug("new connection", zap.String("topic", topic), zap.String("remote", r.RemoteAddr))
	h.hub.Register(topic, conn)

	go h.readPump(topic, conn)
}

// readPump keeps the connection alive and detects disconnection
func (h *Handler) readPump(topic string, conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(topic, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(2 * h.pingPeriod))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * h.pingPeriod))
		return nil
	})

	go func() {
		ticker := time.NewTicker(h.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := h.hub.ping(topic, conn); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug("read error", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
	}
}
