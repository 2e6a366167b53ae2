package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/events"
	"github.com/webmixgamer/trinity/internal/events/bus"
)

// SubscribeAll is the subscription key that matches every agent.
const SubscribeAll = "*"

// BroadcastMessage contains a notification to fan out to watchers of one
// agent.
type BroadcastMessage struct {
	AgentName string
	Message   *Message
}

// Hub manages all WebSocket clients and feeds them from the event bus.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by agent name for efficient routing
	agentClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		agentClients: make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *BroadcastMessage, 256),
		logger:       log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// AttachBus subscribes the hub to the journal and lifecycle subjects so
// every published event reaches connected clients.
func (h *Hub) AttachBus(eventBus bus.EventBus) error {
	for _, subject := range []string{events.ActivitySubjectAll, events.SubjectLifecycle} {
		sub, err := eventBus.Subscribe(subject, h.onEvent)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// onEvent converts a bus event into a client notification.
func (h *Hub) onEvent(ctx context.Context, event *bus.Event) error {
	agentName, _ := event.Data["agent_name"].(string)
	msg, err := NewNotification(event.Type, event)
	if err != nil {
		return err
	}
	h.Broadcast(agentName, msg)
	return nil
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			for _, sub := range h.subs {
				_ = sub.Unsubscribe()
			}
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.agentClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver fans a message out to direct watchers of the agent plus wildcard
// watchers. A client with both subscriptions still gets one copy.
func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	targets := make(map[*Client]bool, len(h.agentClients[msg.AgentName]))
	for client := range h.agentClients[msg.AgentName] {
		targets[client] = true
	}
	for client := range h.agentClients[SubscribeAll] {
		targets[client] = true
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg.Message)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Client send buffer is full, drop the connection
			h.removeClient(client)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for agentName := range client.subscriptions {
		if clients, ok := h.agentClients[agentName]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.agentClients, agentName)
			}
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a message to all clients watching an agent.
func (h *Hub) Broadcast(agentName string, msg *Message) {
	select {
	case h.broadcast <- &BroadcastMessage{AgentName: agentName, Message: msg}:
	default:
		h.logger.Warn("Broadcast buffer full, dropping message",
			zap.String("agent", agentName))
	}
}

func (h *Hub) subscribe(client *Client, agentName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentClients[agentName]; !ok {
		h.agentClients[agentName] = make(map[*Client]bool)
	}
	h.agentClients[agentName][client] = true
}

func (h *Hub) unsubscribe(client *Client, agentName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.agentClients[agentName]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentClients, agentName)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
