// Package websocket relays entitlement state changes to connected UI
// clients and carries upsell prompts raised by the tier gate.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"entitlementd/internal/config"
	"entitlementd/internal/infrastructure"
	"entitlementd/internal/session"
	"entitlementd/pkg/contracts/events"
)

const (
	broadcastBuffer = 64
	clientBuffer    = 256
)

type outbound struct {
	msgType events.MessageType
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
// Only the run loop touches a client's send channel.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	stateReqs  chan *Client

	mu          sync.RWMutex
	source      SessionSource
	unsubscribe func()

	logger  *slog.Logger
	metrics *HubMetrics

	totalConnections int64
	messagesSent     int64
	droppedMessages  int64

	quit    chan struct{}
	done    chan struct{}
	running bool
}

// NewHub creates a new Hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *HubMetrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stateReqs:  make(chan *Client),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		metrics:    metrics,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the hub to session events. The source also answers
// state requests and fills the connect message.
func (h *Hub) Attach(source SessionSource) {
	unsubscribe := source.Subscribe(h.OnSessionEvent)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.source = source
	h.unsubscribe = unsubscribe
}

// Start starts the hub's run loop
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop detaches from the session, closes every client and waits for the
// run loop to exit. A stopped hub cannot be restarted.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	ctx := context.Background()

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()

			cctx := client.context()
			h.metrics.RecordConnection(cctx)
			h.logger.InfoContext(cctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			connect := events.ConnectData{ClientID: client.id, Status: "connected", State: h.currentState()}
			if payload, err := encode(cctx, events.MessageTypeConnect, connect, ""); err == nil {
				h.deliver(cctx, client, payload)
			}

		case client := <-h.unregister:
			h.remove(client, "closed")

		case client := <-h.stateReqs:
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			cctx := client.context()
			if payload, err := encode(cctx, events.MessageTypeState, h.currentState(), ""); err == nil {
				h.deliver(cctx, client, payload)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			delivered := 0
			for _, client := range clients {
				if h.deliver(ctx, client, msg.payload) {
					delivered++
				}
			}
			h.metrics.RecordMessage(ctx, string(msg.msgType), delivered)
			h.logger.Debug("Broadcast message",
				slog.String("type", string(msg.msgType)),
				slog.Int("client_count", len(clients)),
				slog.Int("delivered", delivered))
		}
	}
}

// deliver queues payload for client, disconnecting it when its buffer is full
func (h *Hub) deliver(ctx context.Context, client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		h.mu.Lock()
		h.messagesSent++
		h.mu.Unlock()
		return true
	default:
		h.logger.WarnContext(ctx, "Client send buffer full, disconnecting",
			slog.String("client_id", client.id))
		h.metrics.RecordDropped(ctx, "client")
		h.remove(client, "slow_consumer")
		return false
	}
}

func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := client.context()
	h.metrics.RecordDisconnection(ctx, time.Since(client.connectedAt), reason)
	h.logger.InfoContext(ctx, "Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *Hub) requestState(client *Client) {
	select {
	case h.stateReqs <- client:
	case <-h.quit:
	}
}

// OnSessionEvent relays a session event to every client. It never blocks,
// so it is safe to run inside the session's publish.
func (h *Hub) OnSessionEvent(ev session.Event) {
	var msgType events.MessageType
	switch ev.Kind {
	case session.EventVerified:
		msgType = events.MessageTypeVerified
	case session.EventLogout:
		msgType = events.MessageTypeLogout
	default:
		msgType = events.MessageTypeLoading
	}
	h.enqueue(context.Background(), msgType, ev.Snapshot, ev.Reason)
}

// Upsell asks connected clients to show an upgrade prompt
func (h *Hub) Upsell(ctx context.Context, req session.UpsellRequest) {
	h.enqueue(ctx, events.MessageTypeUpsell, req, config.MsgUpgradeRequired)
}

func (h *Hub) enqueue(ctx context.Context, msgType events.MessageType, data interface{}, reason string) {
	payload, err := encode(ctx, msgType, data, reason)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", string(msgType)))
		return
	}

	select {
	case h.broadcast <- outbound{msgType: msgType, payload: payload}:
	default:
		h.mu.Lock()
		h.droppedMessages++
		h.mu.Unlock()
		h.metrics.RecordDropped(ctx, "broadcast")
		h.logger.WarnContext(ctx, "Broadcast queue full, dropping message",
			slog.String("message_type", string(msgType)))
	}
}

func (h *Hub) currentState() interface{} {
	h.mu.RLock()
	source := h.source
	h.mu.RUnlock()
	if source == nil {
		return nil
	}
	return source.Snapshot()
}

func encode(ctx context.Context, msgType events.MessageType, data interface{}, reason string) ([]byte, error) {
	return json.Marshal(events.WebSocketMessage{
		BaseMessage: events.BaseMessage{
			ID:        uuid.NewString(),
			Type:      msgType,
			Timestamp: time.Now().UTC(),
			TraceID:   infrastructure.GetTraceID(ctx),
		},
		Data:   data,
		Reason: reason,
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetHubMetrics returns current hub counters
func (h *Hub) GetHubMetrics() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"dropped_messages":  h.droppedMessages,
	}
}
