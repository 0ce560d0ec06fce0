package rcon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConsole is a minimal console-port endpoint: it swallows the auth line
// and answers the three data-gathering commands with canned JSON lines.
func fakeConsole(t *testing.T) (string, chan string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	cmds := make(chan string, 64)
	var conns atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				sc := bufio.NewScanner(conn)
				if !sc.Scan() {
					return // auth line
				}
				for sc.Scan() {
					cmd := sc.Text()
					cmds <- cmd
					switch cmd {
					case cmdStatistics:
						_, _ = fmt.Fprintln(conn, `{"build":"1.0.0","serverName":"alpha","playersInGame":1,"maxInGamePlayers":8}`)
					case cmdListAll:
						_, _ = fmt.Fprintln(conn, `{"playerInfo":[{"playerGuid":"G1","playerName":"Alice","playerCategory":"Unlisted","inGame":true,"index":0}]}`)
					case cmdListGames:
						_, _ = fmt.Fprintln(conn, `{"activeSaveName":"SAVE_1","gameList":[{"name":"SAVE_1","date":"2025.06.01-10.00.00"}]}`)
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), cmds, &conns
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("client never connected")
}

func TestUpdateRoundTrip(t *testing.T) {
	addr, cmds, _ := fakeConsole(t)
	c := New(addr, "secret")
	c.Connect()
	defer c.Close()
	waitConnected(t, c)

	c.Run("DSSaveGame")
	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Program order: caller-queued commands before the appended data
	// commands.
	order := []string{"DSSaveGame", cmdStatistics, cmdListGames, cmdListAll}
	for _, want := range order {
		select {
		case got := <-cmds:
			if got != want {
				t.Fatalf("command order: got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("server never received %q", want)
		}
	}

	if st := c.Stats(); st.ServerName != "alpha" || st.PlayersInGame != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	sessions := c.Sessions()
	if len(sessions) != 1 || sessions[0].LocalID != "G1" || !sessions[0].InGame {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if saves := c.Saves(); len(saves) != 1 || saves[0].Name != "SAVE_1" {
		t.Fatalf("unexpected saves: %+v", saves)
	}
	if c.ActiveSave() != "SAVE_1" {
		t.Fatalf("unexpected active save %q", c.ActiveSave())
	}
}

func TestUpdateWhileDisconnected(t *testing.T) {
	c := New("127.0.0.1:1", "secret")
	if err := c.Update(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSupervisorKeepsSingleConnection(t *testing.T) {
	addr, _, conns := fakeConsole(t)
	c := New(addr, "secret")
	c.Connect()
	defer c.Close()
	waitConnected(t, c)

	// Several reconnect intervals pass; the connected flag must prevent
	// parallel dials.
	time.Sleep(1500 * time.Millisecond)
	if n := conns.Load(); n != 1 {
		t.Fatalf("expected exactly one connection, got %d", n)
	}
}

func TestStalenessForcesRosterOffline(t *testing.T) {
	c := New("127.0.0.1:1", "secret")
	c.mu.Lock()
	c.sessions = []Session{{LocalID: "G1", InGame: true}, {LocalID: "G2", InGame: true}}
	c.lastRoundTrip = time.Now().Add(-31 * time.Second)
	c.applyStalenessLocked(time.Now())
	c.mu.Unlock()

	for _, s := range c.Sessions() {
		if s.InGame {
			t.Fatalf("session %s still in game after staleness tier 1", s.LocalID)
		}
	}
	if len(c.Sessions()) != 2 {
		t.Fatalf("tier 1 must not drop sessions")
	}
}

func TestStalenessClearsAndBacksOff(t *testing.T) {
	c := New("127.0.0.1:1", "secret")
	now := time.Now()
	c.mu.Lock()
	c.sessions = []Session{{LocalID: "G1", InGame: true}}
	c.saves = []Save{{Name: "SAVE_1"}}
	c.lastRoundTrip = now.Add(-605 * time.Second)
	c.applyStalenessLocked(now)
	cooldown := c.cooldownUntil
	c.mu.Unlock()

	if len(c.Sessions()) != 0 || len(c.Saves()) != 0 {
		t.Fatalf("tier 2 must clear roster and save list")
	}
	if cooldown.Sub(now) < backoffCooldown {
		t.Fatalf("expected reconnect cooldown of at least %v, got %v", backoffCooldown, cooldown.Sub(now))
	}
}

func TestBatchCompletion(t *testing.T) {
	c := New("127.0.0.1:1", "secret")
	b := &batch{waitStats: true, waitSessions: true, waitSaves: true, done: make(chan struct{})}
	c.mu.Lock()
	c.pending = b
	c.mu.Unlock()

	c.handleLine(`{"build":"1.0.0","serverName":"alpha"}`)
	c.handleLine(`this is not json`) // anomaly: logged, not fatal
	c.handleLine(`{"playerInfo":[]}`)
	select {
	case <-b.done:
		t.Fatalf("batch resolved before all three kinds arrived")
	default:
	}
	c.handleLine(`{"activeSaveName":"","gameList":[]}`)
	select {
	case <-b.done:
	default:
		t.Fatalf("batch not resolved after all three kinds arrived")
	}
}
