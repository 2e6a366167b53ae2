package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

// Client represents a single WebSocket connection watching the activity
// stream.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // Agent names this client watches, "*" for all
	mu            sync.RWMutex
	logger        *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe marks this client as watching an agent. Pass SubscribeAll to
// receive every agent's activity.
func (c *Client) Subscribe(agentName string) {
	c.mu.Lock()
	c.subscriptions[agentName] = true
	c.mu.Unlock()
	c.hub.subscribe(c, agentName)
}

// Unsubscribe removes a watch.
func (c *Client) Unsubscribe(agentName string) {
	c.mu.Lock()
	delete(c.subscriptions, agentName)
	c.mu.Unlock()
	c.hub.unsubscribe(c, agentName)
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
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
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(&msg)
	}
}

// SubscribeRequest is the payload for agent.subscribe and agent.unsubscribe
type SubscribeRequest struct {
	AgentName string `json:"agent_name"`
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Action {
	case ActionAgentSubscribe, ActionAgentUnsubscribe:
	default:
		c.sendError(msg.ID, msg.Action, ErrorCodeUnknownAction, "Unknown action: "+msg.Action, nil)
		return
	}

	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.AgentName == "" {
		c.sendError(msg.ID, msg.Action, ErrorCodeValidation, "agent_name is required", nil)
		return
	}

	if msg.Action == ActionAgentSubscribe {
		c.Subscribe(req.AgentName)
	} else {
		c.Unsubscribe(req.AgentName)
	}

	resp, _ := NewResponse(msg.ID, msg.Action, map[string]any{
		"success":    true,
		"agent_name": req.AgentName,
	})
	c.sendMessage(resp)
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]any) {
	msg, err := NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
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
