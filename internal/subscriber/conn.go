package subscriber

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"collab-realtime/internal/models"
)

const writeWait = 10 * time.Second

// Conn is one subscription to a channel. Receive is called from a single
// reader goroutine and Send from a single writer; Close may be called
// concurrently with either and unblocks Receive.
type Conn interface {
	Send(msg models.ClientMessage) error
	Receive() ([]byte, error)
	Close() error
}

type wsConn struct {
	conn *websocket.Conn
}

// Dial subscribes to channel on the gateway at serverURL (ws:// or wss://,
// including the /ws path).
func Dial(ctx context.Context, serverURL string, channel models.Channel, token string) (Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("channel", channel.String())
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("subscribe %s: %s: %w", channel, resp.Status, err)
		}
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) Send(msg models.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
