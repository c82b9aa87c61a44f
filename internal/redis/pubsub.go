package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"collab-realtime/internal/metrics"
	"collab-realtime/internal/models"
)

const retryDelay = 2 * time.Second

// Listen relays every realtime event published on any node into sink until
// ctx is done. Subscription failures are retried; they never end the loop.
func (c *Client) Listen(ctx context.Context, sink chan<- *models.BroadcastMessage) error {
	for {
		err := c.listenOnce(ctx, sink)
		if ctx.Err() != nil {
			slog.Info("[REDIS] Pub/sub listener stopped")
			return nil
		}
		slog.Error("[REDIS] Pub/sub subscription lost, retrying", "error", err, "in", retryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, sink chan<- *models.BroadcastMessage) error {
	pattern := keyPrefix + "*"
	pubsub := c.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	slog.Info("[REDIS] Subscribed to Redis pub/sub", "pattern", pattern)

	m := metrics.Get()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pub/sub channel closed")
			}
			m.EventsReceived.WithLabelValues("redis").Inc()

			bm, err := models.NewBroadcast(strings.TrimPrefix(msg.Channel, keyPrefix), []byte(msg.Payload))
			if err != nil {
				m.EventsMalformed.Inc()
				slog.Error("[REDIS] Dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}

			select {
			case sink <- bm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
