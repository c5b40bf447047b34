package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kpiengine/metrics"
	"kpiengine/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// Message types pushed to dashboard clients.
const (
	TypeConnection   = "connection"
	TypeSnapshot     = "snapshot"
	TypeWindowClosed = "window_closed"
	TypeAlert        = "alert"
	TypeStats        = "stats"
	TypePong         = "pong"
)

type outbound struct {
	msgType string
	topic   string
	data    []byte
}

// Hub maintains the set of active clients and broadcasts messages to the clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Client represents a websocket client connection. A client without
// subscriptions receives everything; otherwise only messages whose topic
// ("equipment/<id>", "line/<id>") or type it subscribed to.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	id         string
	subscribed map[string]bool
	mutex      sync.RWMutex
}

// NewHub creates a new WebSocket hub. An empty allowedOrigins list or "*"
// accepts any origin.
func NewHub(allowedOrigins []string, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		metrics: m,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		return set[strings.TrimRight(origin, "/")]
	}
}

// Run starts the hub and returns when ctx is cancelled, closing every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			h.metrics.SetWebSocketClients(0)
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.SetWebSocketClients(count)
			h.logger.Info("client registered", zap.String("client_id", client.id), zap.Int("clients", count))

			welcome := models.WebSocketMessage{
				Type:      TypeConnection,
				Data:      map[string]string{"status": "connected", "client_id": client.id},
				Timestamp: time.Now(),
			}
			if msg, err := json.Marshal(welcome); err == nil {
				select {
				case client.send <- msg:
				default:
					h.drop(client)
				}
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.SetWebSocketClients(count)
			h.logger.Info("client unregistered", zap.String("client_id", client.id), zap.Int("clients", count))

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if !client.wants(message) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.SetWebSocketClients(count)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// sendTo queues data for one registered client. The hub closes send only
// under the write lock, so holding the read lock makes the send safe.
func (h *Hub) sendTo(c *Client, data []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) publish(msgType, topic string, data interface{}) {
	message := models.WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", zap.String("type", msgType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{msgType: msgType, topic: topic, data: msgBytes}:
	default:
		h.logger.Warn("broadcast channel full, dropping message", zap.String("type", msgType))
	}
}

// OnSnapshot pushes a recomputed or closed snapshot to subscribed clients.
func (h *Hub) OnSnapshot(snap models.KPISnapshot) {
	msgType := TypeSnapshot
	if snap.Closed {
		msgType = TypeWindowClosed
	}
	h.publish(msgType, Topic(snap.Scope, snap.SubjectID), snap)
}

// BroadcastAlert broadcasts an alert to all connected clients
func (h *Hub) BroadcastAlert(alert *models.Alert) {
	h.publish(TypeAlert, Topic(alert.Scope, alert.SubjectID), alert)
}

// BroadcastStats broadcasts ingestion statistics to all connected clients
func (h *Hub) BroadcastStats(stats models.IngestStats) {
	h.publish(TypeStats, TypeStats, stats)
}

// Topic names the subscription topic of a subject.
func Topic(scope models.Scope, subjectID string) string {
	return string(scope) + "/" + subjectID
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		id:         uuid.NewString(),
		subscribed: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", zap.String("client_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes messages received from the client
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.Debug("failed to unmarshal client message", zap.String("client_id", c.id), zap.Error(err))
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		var data struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		if msg.Type == "subscribe" {
			c.subscribe(data.Topics)
		} else {
			c.unsubscribe(data.Topics)
		}

	case "ping":
		pong := models.WebSocketMessage{
			Type:      TypePong,
			Data:      map[string]string{"client_id": c.id},
			Timestamp: time.Now(),
		}
		if pongBytes, err := json.Marshal(pong); err == nil && !c.hub.sendTo(c, pongBytes) {
			c.hub.logger.Debug("failed to send pong", zap.String("client_id", c.id))
		}

	default:
		c.hub.logger.Debug("unknown client message type", zap.String("client_id", c.id), zap.String("type", msg.Type))
	}
}

func (c *Client) subscribe(topics []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, topic := range topics {
		c.subscribed[topic] = true
	}
	c.hub.logger.Debug("client subscribed", zap.String("client_id", c.id), zap.Strings("topics", topics))
}

func (c *Client) unsubscribe(topics []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, topic := range topics {
		delete(c.subscribed, topic)
	}
	c.hub.logger.Debug("client unsubscribed", zap.String("client_id", c.id), zap.Strings("topics", topics))
}

// wants reports whether the client should receive message.
func (c *Client) wants(message outbound) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.subscribed) == 0 {
		return true
	}
	return c.subscribed[message.topic] || c.subscribed[message.msgType]
}
