// Package subscriber binds local state to one channel's event stream and
// presence roster.
//
// A Subscriber is one mounted view: Run enters presence, heartbeats while
// the view is open and leaves on every exit path. All state transitions
// happen on Run's goroutine; other goroutines read published snapshots.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"collab-realtime/internal/models"
)

const DefaultHeartbeat = 15 * time.Second

type Option func(*Subscriber)

// WithState seeds the subscriber with state fetched before mounting, such
// as the project the page was rendered with.
func WithState(s State) Option {
	return func(sub *Subscriber) {
		sub.state.Store(&s)
	}
}

// OnChange registers fn to run on the event loop after every state change.
// fn must not block.
func OnChange(fn func(State)) Option {
	return func(sub *Subscriber) {
		sub.onChange = fn
	}
}

type Subscriber struct {
	self      models.Identity
	channel   models.Channel
	conn      Conn
	heartbeat time.Duration
	onChange  func(State)

	state atomic.Pointer[State]
}

// New builds a subscriber for channel over conn. self is fixed for the life
// of the subscriber.
func New(self models.Identity, channel models.Channel, conn Conn, heartbeat time.Duration, opts ...Option) *Subscriber {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	s := &Subscriber{
		self:      self,
		channel:   channel,
		conn:      conn,
		heartbeat: heartbeat,
	}
	s.state.Store(&State{})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the latest snapshot. Callers must treat it as read-only.
func (s *Subscriber) State() State {
	return *s.state.Load()
}

func (s *Subscriber) OtherEditors() []models.PresenceEntry {
	return s.state.Load().OtherEditors
}

// Run enters presence on the channel and processes events until ctx is done
// or the connection fails. Before returning it stops the heartbeat, sends a
// best-effort leave and closes the connection. A cancelled ctx is a normal
// unmount and returns nil.
func (s *Subscriber) Run(ctx context.Context) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			data, err := s.conn.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer func() {
		ticker.Stop()
		if err := s.conn.Send(models.ClientMessage{Type: models.CommandLeave}); err != nil {
			slog.Debug("[SUBSCRIBER] Leave not delivered", "channel", s.channel.String(), "error", err)
		}
		close(stop)
		s.conn.Close()
		<-readerDone
		slog.Debug("[SUBSCRIBER] Unsubscribed", "channel", s.channel.String(), "user", s.self.UserID)
	}()

	if err := s.conn.Send(models.ClientMessage{Type: models.CommandEnter}); err != nil {
		return fmt.Errorf("enter %s: %w", s.channel, err)
	}
	slog.Debug("[SUBSCRIBER] Entered", "channel", s.channel.String(), "user", s.self.UserID)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive on %s: %w", s.channel, err)

		case data := <-frames:
			s.handle(data)

		case <-ticker.C:
			if err := s.conn.Send(models.ClientMessage{Type: models.CommandHeartbeat}); err != nil {
				slog.Warn("[SUBSCRIBER] Heartbeat failed", "channel", s.channel.String(), "error", err)
			}
		}
	}
}

func (s *Subscriber) handle(data []byte) {
	env, ev, err := models.DecodeBytes(data)
	if err != nil {
		slog.Warn("[SUBSCRIBER] Dropping malformed event", "channel", s.channel.String(), "error", err)
		return
	}
	if env.Channel != s.channel.String() {
		slog.Debug("[SUBSCRIBER] Ignoring event for another channel", "channel", env.Channel)
		return
	}
	if u, ok := ev.(*models.Unknown); ok {
		slog.Debug("[SUBSCRIBER] Ignoring unknown event", "type", u.Type)
		return
	}

	next := Reduce(*s.state.Load(), env, ev, s.self.UserID)
	s.state.Store(&next)
	if s.onChange != nil {
		s.onChange(next)
	}
}
