package models

import "time"

// Presence is the aggregate online state of a user.
type Presence struct {
	UserID     int        `db:"id" json:"userId"`
	Online     bool       `db:"online" json:"online"`
	LastSeenAt *time.Time `db:"last_seen_at" json:"lastSeenAt,omitempty"`
}

// Profile is the public user information served by the user service.
type Profile struct {
	ID          int    `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
