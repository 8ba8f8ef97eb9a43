package models

import "time"

// AuthUser is the centralized, phone-keyed authenticated-user record shared
// across channels. TTL 7 days, refreshed on use.
type AuthUser struct {
	UserID          string    `json:"user_id"`
	Phone           string    `json:"phone"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name,omitempty"`
	Email           string    `json:"email,omitempty"`
	Token           string    `json:"token"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
	Channels        []string  `json:"channels,omitempty"`
}

// AuthEventKind distinguishes auth pub/sub events.
type AuthEventKind string

// Auth event kinds.
const (
	AuthLogin  AuthEventKind = "login"
	AuthLogout AuthEventKind = "logout"
)

// AuthEvent is published on the auth:events channel so a login on one
// channel syncs to live sessions on other channels.
type AuthEvent struct {
	Kind      AuthEventKind `json:"kind"`
	Phone     string        `json:"phone"`
	UserID    string        `json:"user_id,omitempty"`
	Token     string        `json:"token,omitempty"`
	Channel   string        `json:"channel,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
