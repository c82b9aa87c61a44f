package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// BroadcastMessage is an encoded envelope on its way to a channel's
// connected clients.
type BroadcastMessage struct {
	Channel string
	Payload []byte
}

// NewBroadcast checks that payload is an envelope addressed to channel
// before it is handed to clients.
func NewBroadcast(channel string, payload []byte) (*BroadcastMessage, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	if env.Channel != channel {
		return nil, fmt.Errorf("%w: event for %q published on %q", ErrMalformedPayload, env.Channel, channel)
	}
	return &BroadcastMessage{Channel: channel, Payload: payload}, nil
}
