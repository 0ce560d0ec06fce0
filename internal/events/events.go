package events

import (
	"context"
	"time"
)

// Type defines the kind of fleet event.
type Type string

const (
	EventServerStart Type = "server_start"
	EventServerStop  Type = "server_stop"
	EventPlayerJoin  Type = "player_join"
	EventPlayerLeave Type = "player_leave"
)

// Event represents a fleet event exported to external systems.
type Event struct {
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ServerID   string    `json:"server_id"`
	PlayerName string    `json:"player_name,omitempty"`
	RegistryID string    `json:"registry_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for fleet events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
