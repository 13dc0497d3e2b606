package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/tracex/internal/api/middleware"
	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 64 * 1024                                          // Host lists in start_port_scan can be long
	bufferSize      = 256                                                // Per-client and broadcast queue size
)

// Client commands.
const (
	CmdStartNetworkScan = "start_network_scan"
	CmdStartPortScan    = "start_port_scan"
	CmdStartTargetScan  = "start_single_host_port_scan"
	CmdCancel           = "cancel"
)

// ReadyMessage greets each new client.
const ReadyMessage = "Ready to start scanning."

// ClientMessage is a command sent by a websocket client.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	requestID string
}

type directMessage struct {
	client *client
	data   []byte
}

// Hub fans session events out to every connected websocket client and
// turns client commands into orchestrator calls. It implements
// events.Sink.
type Hub struct {
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	ctx  context.Context
	ctrl Controller

	clients    map[*client]struct{}
	count      int
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	direct     chan directMessage
	shutdown   chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewHub creates a hub and starts its event loop.
func NewHub(logger *logging.Logger, m *metrics.PrometheusMetrics) *Hub {
	if m == nil {
		m = metrics.GetGlobalMetrics()
	}
	h := &Hub{
		logger:  logger.WithComponent("api.websocket"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:        context.Background(),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, bufferSize),
		direct:     make(chan directMessage, bufferSize),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Attach sets the controller client commands are routed to and the
// context sessions started from the hub run under.
func (h *Hub) Attach(ctx context.Context, ctrl Controller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
	h.ctrl = ctrl
}

// Emit broadcasts e to every client. It blocks while the broadcast queue
// is full so no result is dropped.
func (h *Hub) Emit(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to marshal event", "type", e.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
		h.metrics.IncrementWebSocketMessages(string(e.Type))
	case <-h.shutdown:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Shutdown closes every client connection and stops the event loop.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	<-h.done
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	h.logger.Info("WebSocket client connected", "request_id", requestID, "remote_addr", r.RemoteAddr)

	c := &client{conn: conn, send: make(chan []byte, bufferSize), requestID: requestID}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.reply(c, events.Status(events.LevelInfo, ReadyMessage))
	h.readPump(c)
}

// run owns the client set; it is the only goroutine that closes a
// client's send channel.
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			for c := range h.clients {
				h.drop(c)
			}
			h.logger.Debug("WebSocket hub shut down")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case data := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, data)
			}

		case msg := <-h.direct:
			if _, ok := h.clients[msg.client]; ok {
				h.deliver(msg.client, msg.data)
			}
		}
	}
}

func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("WebSocket client too slow, disconnecting", "request_id", c.requestID)
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWebSocketClients(len(h.clients))
}

// reply sends e to a single client.
func (h *Hub) reply(c *client, e events.Event) {
	e.Timestamp = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case h.direct <- directMessage{client: c, data: data}:
	case <-h.shutdown:
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		_ = c.conn.Close()
		h.logger.Info("WebSocket client disconnected", "request_id", c.requestID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket unexpected close", "request_id", c.requestID, "error", err)
			}
			return
		}
		h.handleMessage(c, raw)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}
		}
	}
}

// handleMessage runs one client command. Failures are reported to the
// sending client only.
func (h *Hub) handleMessage(c *client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, events.Status(events.LevelError, "malformed message"))
		return
	}

	h.mu.RLock()
	ctx, ctrl := h.ctx, h.ctrl
	h.mu.RUnlock()
	if ctrl == nil {
		h.reply(c, events.Status(events.LevelError, "scanner not ready"))
		return
	}

	log := h.logger.WithFields("request_id", c.requestID, "command", msg.Type)
	var err error
	switch msg.Type {
	case CmdStartNetworkScan:
		var req DiscoveryRequest
		if err = decodeData(msg.Data, &req); err == nil {
			_, err = ctrl.StartDiscovery(ctx, req.Range)
		}

	case CmdStartPortScan:
		var req PortScanRequest
		if err = decodeData(msg.Data, &req); err == nil {
			hosts := make([]discovery.Host, 0, len(req.Hosts))
			for _, hr := range req.Hosts {
				hosts = append(hosts, discovery.Host{IP: hr.IP, MAC: hr.MAC})
			}
			_, err = ctrl.StartPortScan(ctx, hosts)
		}

	case CmdStartTargetScan:
		var req TargetRequest
		if err = decodeData(msg.Data, &req); err == nil {
			_, err = ctrl.StartScanTarget(ctx, req.Target)
		}

	case CmdCancel:
		if !ctrl.Cancel() {
			h.reply(c, events.Status(events.LevelWarning, "no scan is running"))
		}
		return

	default:
		h.reply(c, events.Status(events.LevelError, "unknown command: "+msg.Type))
		return
	}

	if err != nil {
		log.Debug("WebSocket command rejected", "error", err)
		h.reply(c, events.Status(events.LevelError, err.Error()))
		return
	}
	log.Info("WebSocket command accepted")
}

func decodeData(data json.RawMessage, dst any) error {
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, dst); err != nil {
			return errors.NewScanError(errors.CodeValidation, "invalid command data: "+err.Error())
		}
	}
	return validateStruct(dst)
}
