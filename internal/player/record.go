package player

import (
	"time"
)

// Category is the access-control classification enforced by the game server.
type Category string

const (
	CategoryUnlisted    Category = "Unlisted"
	CategoryWhitelisted Category = "Whitelisted"
	CategoryBlacklisted Category = "Blacklisted"
	CategoryAdmin       Category = "Admin"
	CategoryOwner       Category = "Owner"
	CategoryPending     Category = "Pending"
)

// CategoryFromString maps a channel-reported category to the enum,
// defaulting to Unlisted for anything unrecognized.
func CategoryFromString(s string) Category {
	switch Category(s) {
	case CategoryWhitelisted, CategoryBlacklisted, CategoryAdmin, CategoryOwner, CategoryPending:
		return Category(s)
	default:
		return CategoryUnlisted
	}
}

// Record is one tracked player, scoped to a single managed server. At
// creation exactly one of LocalID/RegistryID is known; the other is filled
// in by the join-order matcher.
type Record struct {
	LocalID       string
	RegistryID    string
	Name          string
	FirstJoinName string
	Category      Category

	FirstJoinAt time.Time
	LastSeenAt  time.Time
	OnlineSince time.Time     // zero while offline
	Accumulated time.Duration // playtime from completed sessions

	InGame bool
	Stale  bool // data backfilled from the name cache, not fresh from the channel
}

// Playtime is the total accumulated playtime including the running session.
// It never decreases for a surviving record.
func (r *Record) Playtime(now time.Time) time.Duration {
	if r.OnlineSince.IsZero() {
		return r.Accumulated
	}
	return r.Accumulated + now.Sub(r.OnlineSince)
}

// DisplayName is the human-readable name used in notifications; players
// known only by registry id get a shortened placeholder.
func (r *Record) DisplayName() string {
	if r.Name != "" {
		return "'" + r.Name + "'"
	}
	id := r.RegistryID
	if len(id) > 4 {
		id = id[:4]
	}
	return "UNKNOWN ('" + id + "')"
}
