// Package natsbus carries realtime channel events over NATS core pub/sub,
// as an alternative to Redis for deployments that already run NATS.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"collab-realtime/internal/metrics"
	"collab-realtime/internal/models"
)

const subjectPrefix = "collab.channel."

type Bus struct {
	nc *nats.Conn
}

// Connect dials url, retrying in the background if the server is not up yet.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("collab-realtime"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("[NATS] Disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("[NATS] Reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	slog.Info("[NATS] Connection created", "url", url, "status", nc.Status().String())
	return New(nc), nil
}

func New(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

func (b *Bus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.nc.Status())
	}
	return b.nc.FlushWithContext(ctx)
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := subjectPrefix + channel
	if err := b.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Listen relays every channel event into sink until ctx is done.
func (b *Bus) Listen(ctx context.Context, sink chan<- *models.BroadcastMessage) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(subjectPrefix+">", msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	slog.Info("[NATS] Subscribed", "subject", sub.Subject)

	m := metrics.Get()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[NATS] Listener stopped")
			return nil
		case msg := <-msgs:
			m.EventsReceived.WithLabelValues("nats").Inc()

			bm, err := models.NewBroadcast(strings.TrimPrefix(msg.Subject, subjectPrefix), msg.Data)
			if err != nil {
				m.EventsMalformed.Inc()
				slog.Error("[NATS] Dropping malformed event", "subject", msg.Subject, "error", err)
				continue
			}

			select {
			case sink <- bm:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
