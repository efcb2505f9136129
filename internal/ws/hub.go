package ws

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collicam/internal/pipeline"
)

// TopicAll receives every broadcast regardless of topic
const TopicAll = "*"

// client serializes writes to one connection
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// Hub manages WebSocket connections for real-time detection and recording
// events. Topics are camera roles; TopicAll subscribers see everything.
type Hub struct {
	clients map[string]map[*websocket.Conn]*client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]*client),
		logger:  logger.Named("ws"),
	}
}

// Register adds a connection for a topic
func (h *Hub) Register(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*websocket.Conn]*client)
	}
	h.clients[topic][conn] = &client{conn: conn}
	h.logger.Debug("client registered", zap.String("topic", topic), zap.Int("total", len(h.clients[topic])))
}

// Unregister removes a connection for a topic
func (h *Hub) Unregister(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[topic]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, topic)
		}
		h.logger.Debug("client unregistered", zap.String("topic", topic))
	}
}

// Ping sends a ping control frame through the connection's writer
func (h *Hub) ping(topic string, conn *websocket.Conn) error {
	h.mu.RLock()
	c, ok := h.clients[topic][conn]
	h.mu.RUnlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	return c.write(websocket.PingMessage, nil)
}

// HasClients returns true if anyone would receive a broadcast to topic
func (h *Hub) HasClients(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic]) > 0 || len(h.clients[TopicAll]) > 0
}

// Topics returns all topics with clients
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	topics := make([]string, 0, len(h.clients))
	for t := range h.clients {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast sends raw data to subscribers of topic and of TopicAll. Clients
// that fail to receive are dropped.
func (h *Hub) Broadcast(topic string, data []byte) {
	type target struct {
		topic string
		c     *client
	}

	h.mu.RLock()
	var targets []target
	for _, t := range []string{topic, TopicAll} {
		for _, c := range h.clients[t] {
			targets = append(targets, target{t, c})
		}
		if topic == TopicAll {
			break
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.c.write(websocket.TextMessage, data); err != nil {
			h.logger.Debug("dropping client", zap.String("topic", t.topic), zap.Error(err))
			h.Unregister(t.topic, t.c.conn)
			t.c.conn.Close()
		}
	}
}

// BroadcastJSON marshals msg and broadcasts it
func (h *Hub) BroadcastJSON(topic string, msg interface{}) {
	if !h.HasClients(topic) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to marshal message", zap.Error(err))
		return
	}
	h.Broadcast(topic, data)
}

// Run broadcasts snapshots from snaps until ctx ends or snaps is closed.
// Slow clients hold up Run, never the detection loop feeding snaps.
func (h *Hub) Run(ctx context.Context, snaps <-chan *pipeline.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			h.OnSnapshot(s)
		}
	}
}

// OnSnapshot broadcasts a detection cycle to the source's subscribers
func (h *Hub) OnSnapshot(s *pipeline.Snapshot) {
	if !h.HasClients(s.Source) {
		return
	}
	h.BroadcastJSON(s.Source, NewDetectionMessage(s))
}

var _ pipeline.SnapshotHandler = (*Hub)(nil)
