package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// keyPrefix namespaces realtime channels in the shared Redis pub/sub space.
const keyPrefix = "channel:"

type Client struct {
	rdb *redis.Client
}

// NewClient parses redisURL and checks connectivity. An unreachable server
// is logged, not returned: go-redis reconnects lazily and realtime delivery
// is allowed to degrade.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	c := &Client{rdb: redis.NewClient(opt)}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		slog.Warn("[REDIS] Redis not reachable, realtime events will be dropped until it is", "addr", opt.Addr, "error", err)
	} else {
		slog.Info("[REDIS] Connected to Redis", "addr", opt.Addr)
	}

	return c, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish sends payload to every node listening on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	key := keyPrefix + channel
	if err := c.rdb.Publish(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}
