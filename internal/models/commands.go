package models

import "github.com/goccy/go-json"

// Commands sent by a connected client to the gateway. Clients never mutate
// a roster directly; they only ask the tracker to.
const (
	CommandEnter     = "presence:enter"
	CommandHeartbeat = "presence:heartbeat"
	CommandLeave     = "presence:leave"
)

type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
