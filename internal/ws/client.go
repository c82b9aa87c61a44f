package ws

import (
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collab-realtime/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Inbound frames are small presence commands.
	maxMessageSize = 4 * 1024
)

var timeNow = time.Now

// Client is one WebSocket connection subscribed to one channel.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channel  string
	identity models.Identity
	limiter  *rate.Limiter

	// entered is owned by the ReadPump goroutine.
	entered bool
}

func newClient(hub *Hub, conn *websocket.Conn, id, channel string, identity models.Identity) *Client {
	limit, burst := hub.opts.CommandRate, hub.opts.CommandBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, hub.opts.SendBuffer),
		channel:  channel,
		identity: identity,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// ReadPump pumps commands from the WebSocket to the tracker. Whatever ends
// the loop, a client that entered presence leaves it before unregistering.
func (c *Client) ReadPump() {
	defer func() {
		if c.entered && c.hub.presence != nil {
			c.hub.presence.Leave(c.channel, c.identity.UserID)
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.identity.UserID, "channel", c.channel, "error", err)
			}
			break
		}

		c.handleClientMessage(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket
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
				slog.Error("[CLIENT] Failed to write", "user", c.identity.UserID, "channel", c.channel, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping", "user", c.identity.UserID, "channel", c.channel, "error", err)
				return
			}
		}
	}
}

func (c *Client) handleClientMessage(message []byte) {
	if !c.limiter.Allow() {
		c.hub.metrics.CommandsLimited.Inc()
		slog.Warn("[CLIENT] Command rate exceeded, dropping", "user", c.identity.UserID, "channel", c.channel)
		return
	}

	var msg models.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Error("[CLIENT] Error unmarshaling message", "user", c.identity.UserID, "channel", c.channel, "error", err)
		return
	}

	presence := c.hub.presence
	if presence == nil {
		return
	}

	switch msg.Type {
	case models.CommandEnter:
		presence.Enter(c.channel, c.identity)
		c.entered = true

	case models.CommandHeartbeat:
		if !c.entered {
			slog.Debug("[CLIENT] Heartbeat before enter, ignoring", "user", c.identity.UserID, "channel", c.channel)
			return
		}
		// The entry may have expired, or another tab of the same user may
		// have left; either way this connection is still here.
		if !presence.Heartbeat(c.channel, c.identity.UserID) {
			presence.Enter(c.channel, c.identity)
		}

	case models.CommandLeave:
		if c.entered {
			presence.Leave(c.channel, c.identity.UserID)
			c.entered = false
		}

	default:
		slog.Warn("[CLIENT] Unknown event type", "type", msg.Type, "user", c.identity.UserID, "channel", c.channel)
	}
}
