package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newFakeRegistry(t *testing.T, servers []ServerInfo) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var authCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/session", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		_ = json.NewEncoder(w).Encode(authResponse{SessionTicket: "ticket-1"})
	})
	mux.HandleFunc("/servers/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Authorization") != "ticket-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(queryResponse{Servers: servers})
	})
	mux.HandleFunc("/servers/deregister", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/servers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &authCalls
}

func TestFetchSnapshotAndAuthCaching(t *testing.T) {
	ts, authCalls := newFakeRegistry(t, []ServerInfo{
		{
			LobbyID:          "L1",
			GameAddress:      "10.0.0.1:8777",
			ActiveAccountIDs: []string{"R1", "R2"},
			Tags:             Tags{MaxPlayers: 8, ServerName: "alpha"},
		},
	})

	c := New(ts.URL, time.Hour)
	c.Track("10.0.0.1:8777")

	snap, err := c.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	info := snap.Get("10.0.0.1:8777")
	if info == nil {
		t.Fatalf("expected server in snapshot")
	}
	if len(info.ActiveAccountIDs) != 2 || info.Tags.MaxPlayers != 8 {
		t.Fatalf("unexpected server info: %+v", info)
	}
	if snap.Get("10.0.0.9:8777") != nil {
		t.Fatalf("expected nil for unknown address")
	}

	// Second fetch reuses the cached session ticket.
	if _, err := c.FetchSnapshot(context.Background()); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if authCalls.Load() != 1 {
		t.Fatalf("expected 1 auth call, got %d", authCalls.Load())
	}
}

func TestDeregisterSuppressesListing(t *testing.T) {
	info := ServerInfo{LobbyID: "L1", GameAddress: "10.0.0.1:8777"}
	ts, _ := newFakeRegistry(t, []ServerInfo{info})

	c := New(ts.URL, time.Hour)
	c.Track(info.GameAddress)

	if err := c.Deregister(context.Background(), &info); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	// The registry still reports the server, but the client suppresses it
	// for the next few snapshots.
	for i := 0; i < suppressTicks; i++ {
		snap, err := c.FetchSnapshot(context.Background())
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if snap.Get(info.GameAddress) != nil {
			t.Fatalf("expected address suppressed on snapshot %d", i)
		}
	}
	snap, err := c.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Get(info.GameAddress) == nil {
		t.Fatalf("expected suppression to expire")
	}
}

func TestFetchSnapshotTransientThenDownTooLong(t *testing.T) {
	c := New("http://127.0.0.1:1", 50*time.Millisecond)
	c.Track("10.0.0.1:8777")

	if _, err := c.FetchSnapshot(context.Background()); err == nil {
		t.Fatalf("expected transient error")
	}
	time.Sleep(80 * time.Millisecond)
	_, err := c.FetchSnapshot(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrDownTooLong) {
		t.Fatalf("expected ErrDownTooLong, got %v", err)
	}
}
