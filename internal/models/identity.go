package models

import "time"

// Identity is the read-only view of the current user supplied by the
// identity provider.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// PresenceEntry is one user's live occupancy of a channel.
type PresenceEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

