package models

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidChannel = errors.New("invalid channel")

// ResourceType is the first half of a channel name.
type ResourceType string

const (
	ResourceProject ResourceType = "project"
	ResourceCard    ResourceType = "card"
	ResourceTeam    ResourceType = "team"
)

func (t ResourceType) valid() bool {
	switch t {
	case ResourceProject, ResourceCard, ResourceTeam:
		return true
	}
	return false
}

// Channel identifies a broadcast topic scoped to a single resource,
// written on the wire as "<resourceType>:<resourceId>".
type Channel struct {
	Type ResourceType
	ID   string
}

func ProjectChannel(id string) Channel { return Channel{Type: ResourceProject, ID: id} }
func CardChannel(id string) Channel    { return Channel{Type: ResourceCard, ID: id} }

func (c Channel) String() string {
	return string(c.Type) + ":" + c.ID
}

// ParseChannel splits on the first colon so resource IDs may themselves
// contain colons.
func ParseChannel(s string) (Channel, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || strings.TrimSpace(id) == "" {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	ch := Channel{Type: ResourceType(kind), ID: id}
	if !ch.Type.valid() {
		return Channel{}, fmt.Errorf("%w: unknown resource type %q", ErrInvalidChannel, kind)
	}
	return ch, nil
}
