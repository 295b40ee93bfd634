package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tachobridge/tacho-bridge/internal/config"
	"github.com/tachobridge/tacho-bridge/internal/events"
	"github.com/tachobridge/tacho-bridge/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
	ctrl *Controller
}

// WSHub manages all WebSocket connections. It is also the event sink: card
// status and config events are fanned out to every attached client.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a typed message for every connected client. Events must
// never block their emitter, so a full queue drops the message.
func (h *WSHub) Broadcast(msgType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Errorf(logging.CatWebSocket, "encode %s event: %v", msgType, err)
		return
	}
	msg, err := json.Marshal(WSMessage{Type: msgType, Payload: raw})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn(logging.CatWebSocket, "Event queue full, dropping event", map[string]any{
			"type": msgType,
		})
	}
}

// EmitCardSync implements events.Sink.
func (h *WSHub) EmitCardSync(e events.CardSync) {
	h.Broadcast(events.NameCardSync, e)
}

// EmitCardConfig implements events.Sink.
func (h *WSHub) EmitCardConfig(e events.CardConfigUpdate) {
	h.Broadcast(events.NameCardConfig, e)
}

// EmitServerConfig implements events.Sink.
func (h *WSHub) EmitServerConfig(payload map[string]string) {
	h.Broadcast(events.NameServerConfig, payload)
}

// Handler returns the WebSocket upgrade handler for this hub.
func (h *WSHub) Handler(ctrl *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
			ctrl: ctrl,
		}

		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "sync_cards":
		c.handleSyncCards(msg.ID)
	case "restart_cards":
		c.handleRestartCards(msg.ID)
	case "list_cards":
		c.handleListCards(msg.ID)
	case "update_card":
		c.handleUpdateCard(msg.ID, msg.Payload)
	case "remove_card":
		c.handleRemoveCard(msg.ID, msg.Payload)
	case "get_config":
		c.handleGetConfig(msg.ID)
	case "update_server":
		c.handleUpdateServer(msg.ID, msg.Payload)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		c.sendError(id, "failed to encode response")
		return
	}
	raw, err := json.Marshal(WSMessage{Type: msgType, ID: id, Payload: payloadBytes})
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *WSClient) sendError(id string, errMsg string) {
	raw, err := json.Marshal(WSMessage{Type: "error", ID: id, Error: errMsg})
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *WSClient) handleSyncCards(id string) {
	if err := c.ctrl.Monitor.SyncNow(); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "sync_complete", map[string]string{"success": "sync complete"})
}

func (c *WSClient) handleRestartCards(id string) {
	c.ctrl.Monitor.Teardown()
	if err := c.ctrl.Monitor.SyncNow(); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "restart_complete", map[string]string{"success": "connections restarted"})
}

func (c *WSClient) handleListCards(id string) {
	c.sendResponse(id, "cards", map[string]interface{}{
		"configured": c.ctrl.Store.Snapshot().Cards(),
		"connected":  c.ctrl.Registry.Snapshot(),
	})
}

func (c *WSClient) handleUpdateCard(id string, payload json.RawMessage) {
	var req struct {
		CardNumber string            `json:"card_number"`
		Content    config.CardConfig `json:"content"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	if req.CardNumber == "" || req.Content.ICCID == "" {
		c.sendError(id, "card_number and content.iccid are required")
		return
	}
	if err := c.ctrl.Store.UpdateCard(req.CardNumber, req.Content); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "card_updated", map[string]string{"success": "card updated"})
}

func (c *WSClient) handleRemoveCard(id string, payload json.RawMessage) {
	var req struct {
		CardNumber string `json:"card_number"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.CardNumber == "" {
		c.sendError(id, "invalid payload")
		return
	}
	if err := c.ctrl.Store.RemoveCard(req.CardNumber); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "card_removed", map[string]string{"success": "card removed"})
}

func (c *WSClient) handleGetConfig(id string) {
	snap := c.ctrl.Store.Snapshot()
	c.sendResponse(id, "config", map[string]interface{}{
		"host":       snap.Host,
		"ident":      snap.Ident,
		"dark_theme": snap.DarkTheme,
	})
}

func (c *WSClient) handleUpdateServer(id string, payload json.RawMessage) {
	var req struct {
		Host      string `json:"host"`
		Ident     string `json:"ident"`
		DarkTheme string `json:"dark_theme"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	if req.Host != "" {
		if _, _, err := config.SplitHostPort(req.Host); err != nil {
			c.sendError(id, err.Error())
			return
		}
	}
	if err := c.ctrl.Store.UpdateServer(req.Host, req.Ident, req.DarkTheme); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "server_updated", map[string]string{"success": "server updated"})
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	c.sendResponse(id, "health", map[string]interface{}{
		"status":      "ok",
		"connections": c.ctrl.Registry.Len(),
	})
}
