package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"collab-realtime/internal/metrics"
	"collab-realtime/internal/models"
)

// PresenceTracker is the roster owner the hub forwards client commands to.
type PresenceTracker interface {
	Enter(channel string, user models.Identity)
	Heartbeat(channel, userID string) bool
	Leave(channel, userID string)
	Roster(channel string) []models.PresenceEntry
}

type Options struct {
	// SendBuffer is the per-client outbound queue; a client whose queue is
	// full is disconnected.
	SendBuffer int
	// CommandRate and CommandBurst bound inbound presence commands per
	// connection.
	CommandRate  rate.Limit
	CommandBurst int
}

func DefaultOptions() Options {
	return Options{SendBuffer: 256, CommandRate: 5, CommandBurst: 10}
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	// Map: channel -> set of clients
	channels map[string]map[*Client]bool

	// Guards channels and every send on or close of a client's send queue.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// Broadcast receives events from the pub/sub transport.
	Broadcast chan *models.BroadcastMessage

	done chan struct{}

	presence PresenceTracker
	opts     Options
	metrics  *metrics.Metrics
}

func NewHub(presence PresenceTracker, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	return &Hub{
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		Broadcast:  make(chan *models.BroadcastMessage, 256),
		done:       make(chan struct{}),
		presence:   presence,
		opts:       opts,
		metrics:    metrics.Get(),
	}
}

// Run is the hub event loop. It returns when ctx is done, after closing
// every client's send queue.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("[HUB] Starting hub event loop")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			slog.Debug("[HUB] Received register request", "user", client.identity.UserID, "channel", client.channel)
			h.registerClient(client)

		case client := <-h.unregister:
			slog.Debug("[HUB] Received unregister request", "user", client.identity.UserID, "channel", client.channel)
			h.unregisterClient(client)

		case message := <-h.Broadcast:
			h.broadcastToChannel(message)

		case <-ctx.Done():
			h.shutdown()
			slog.Info("[HUB] Hub event loop stopped")
			return
		}
	}
}

// Deliver sends a presence event straight to this node's clients on
// channel. It is the tracker's Notifier.
func (h *Hub) Deliver(channel string, env models.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("[HUB] Failed to marshal presence event", "type", env.Type, "channel", channel, "error", err)
		return
	}
	h.broadcastToChannel(&models.BroadcastMessage{Channel: channel, Payload: payload})
}

// Register hands a client to the event loop. It reports false once the hub
// has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A fresh subscriber gets the current roster without waiting for the
	// next change. Taking it under h.mu means any presence change it misses
	// is delivered to this client afterwards. The tracker never calls back
	// into the hub while holding its own lock.
	snapshot := h.rosterSnapshot(client.channel)

	if h.channels[client.channel] == nil {
		slog.Debug("[HUB] Creating new channel", "channel", client.channel)
		h.channels[client.channel] = make(map[*Client]bool)
		h.metrics.ChannelsActive.Inc()
	}
	h.channels[client.channel][client] = true
	h.metrics.ClientsConnected.Inc()

	if snapshot != nil {
		client.send <- snapshot
	}

	slog.Info("[HUB] Client registered",
		"conn", client.id, "user", client.identity.UserID, "channel", client.channel, "clients", len(h.channels[client.channel]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.channels[client.channel]
	if !ok {
		slog.Debug("[HUB] Unregister for unknown channel", "channel", client.channel)
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	h.removeLocked(clients, client)

	slog.Info("[HUB] Client unregistered", "user", client.identity.UserID, "channel", client.channel, "clients", len(clients))
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(clients map[*Client]bool, client *Client) {
	delete(clients, client)
	close(client.send)
	h.metrics.ClientsConnected.Dec()

	if len(clients) == 0 {
		slog.Debug("[HUB] Channel is now empty, removing from hub", "channel", client.channel)
		delete(h.channels, client.channel)
		h.metrics.ChannelsActive.Dec()
	}
}

func (h *Hub) broadcastToChannel(message *models.BroadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.channels[message.Channel]
	if !ok {
		return
	}

	sent, failed := 0, 0
	for client := range clients {
		select {
		case client.send <- message.Payload:
			sent++
		default:
			slog.Warn("[HUB] Client buffer full, disconnecting", "user", client.identity.UserID, "channel", client.channel)
			h.removeLocked(clients, client)
			h.metrics.ClientsDropped.Inc()
			failed++
		}
	}

	slog.Debug("[HUB] Broadcast complete", "channel", message.Channel, "sent", sent, "failed", failed)
}

func (h *Hub) rosterSnapshot(channel string) []byte {
	if h.presence == nil {
		return nil
	}
	ch, err := models.ParseChannel(channel)
	if err != nil {
		return nil
	}
	// Stamped before reading so that a change racing the read carries a
	// later timestamp than the snapshot.
	at := timeNow()
	env, err := models.NewEnvelope(ch, models.KindPresenceRoster,
		models.PresenceRoster{Editors: h.presence.Roster(channel)}, at)
	if err != nil {
		slog.Error("[HUB] Failed to build roster snapshot", "channel", channel, "error", err)
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("[HUB] Failed to marshal roster snapshot", "channel", channel, "error", err)
		return nil
	}
	return payload
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.channels {
		for client := range clients {
			h.removeLocked(clients, client)
		}
	}
}

// ChannelClients returns the number of connections subscribed to channel.
func (h *Hub) ChannelClients(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
