package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/api/middleware"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/id"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Frame is the envelope of every message sent to clients.
type Frame struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

type inbound struct {
	Type string `json:"type"`
}

// Recorder receives connection and message counts.
type Recorder interface {
	IncWSConnections()
	DecWSConnections()
	RecordWSMessage(direction, msgType string)
}

type noopRecorder struct{}

func (noopRecorder) IncWSConnections()              {}
func (noopRecorder) DecWSConnections()              {}
func (noopRecorder) RecordWSMessage(string, string) {}

// Options configures a Hub.
type Options struct {
	Logger   *zap.Logger
	Recorder Recorder
	// Snapshot, when set, is sent as a "snapshot" frame to each new client
	Snapshot func() any
	// AllowOrigin overrides the loopback-only origin check
	AllowOrigin func(origin string) bool
}

type client struct {
	id   id.ClientID
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans lifecycle events out to websocket clients. Slow clients whose
// buffer fills are disconnected rather than blocking publishers.
type Hub struct {
	logger   *zap.Logger
	recorder Recorder
	snapshot func() any
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	allow := opts.AllowOrigin
	if allow == nil {
		allow = middleware.IsLoopbackOrigin
	}

	return &Hub{
		logger:   logger.Named("ws"),
		recorder: recorder,
		snapshot: opts.Snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allow(origin)
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends a frame of eventType to every client.
func (h *Hub) Publish(eventType string, data any) {
	payload, err := encode(eventType, data)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for c := range h.clients {
		select {
		case c.send <- payload:
			h.recorder.RecordWSMessage("out", eventType)
		default:
			h.logger.Warn("dropping slow websocket client", zap.String("client_id", c.id.String()))
			h.removeLocked(c)
		}
	}
}

// HandleConnection upgrades the request and streams events until the client
// disconnects or the hub closes.
func (h *Hub) HandleConnection(c *gin.Context) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is shutting down"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:   id.NewClientID(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.queueWelcome(cl)
	if !h.register(cl) {
		conn.Close()
		return
	}
	h.logger.Info("WebSocket client connected", zap.String("client_id", cl.id.String()))

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.recorder.IncWSConnections()
	// one for each pump
	h.wg.Add(2)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.recorder.DecWSConnections()
}

func (h *Hub) queueWelcome(c *client) {
	if payload, err := encode("system", gin.H{"client_id": c.id, "message": "connected"}); err == nil {
		c.send <- payload
	}
	if h.snapshot == nil {
		return
	}
	if payload, err := encode("snapshot", h.snapshot()); err == nil {
		c.send <- payload
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", c.id.String()))
		h.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.reply(c, "error", gin.H{"message": "invalid message"})
			continue
		}
		h.recorder.RecordWSMessage("in", msg.Type)

		switch msg.Type {
		case "ping":
			h.reply(c, "pong", nil)
		case "snapshot":
			if h.snapshot != nil {
				h.reply(c, "snapshot", h.snapshot())
			}
		default:
			h.reply(c, "error", gin.H{"message": "unknown message type"})
		}
	}
}

// reply queues a frame for one client unless its buffer is full.
func (h *Hub) reply(c *client, eventType string, data any) {
	payload, err := encode(eventType, data)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and waits for their connections to wind down.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

func encode(eventType string, data any) ([]byte, error) {
	if eventType == "" {
		return nil, errors.New("event type is required")
	}
	return sonic.Marshal(Frame{Type: eventType, Data: data, At: time.Now().UTC()})
}
