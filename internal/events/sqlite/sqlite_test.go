package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/starkeeper/starkeeper/internal/events"
)

func TestSinkRoundTrip(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = s.Close() }()

	e := events.Event{
		Type:       events.EventPlayerJoin,
		OccurredAt: time.Now(),
		ServerID:   "alpha",
		PlayerName: "Alice",
		RegistryID: "R9",
	}
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}

	var n int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM fleet_events WHERE type = ? AND server_id = ?`,
		string(events.EventPlayerJoin), "alpha")
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
