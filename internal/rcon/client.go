// Package rcon maintains the administrative console connection to one
// managed game server. A background supervisor keeps exactly one TCP
// connection alive; tick-driven Update calls batch commands onto it and wait
// for the three data responses of that batch.
package rcon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/starkeeper/starkeeper/internal/metrics"
)

// State of the console connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	reconnectInterval = 500 * time.Millisecond
	dialTimeout       = 2 * time.Second
	updateTimeout     = time.Second

	// escalation tiers on time since the last full round trip
	staleAfter      = 30 * time.Second
	deadAfter       = 600 * time.Second
	backoffCooldown = 60 * time.Second

	staleWarnInterval = 30 * time.Second
)

// ErrNotConnected is the transient error returned by Update while no
// connection is established. The supervisor keeps reconnecting; the caller
// just retries on its next tick.
var ErrNotConnected = errors.New("rcon: not connected")

// batch tracks one outstanding Update round trip. done is closed once every
// response kind queued by that batch has arrived.
type batch struct {
	waitStats    bool
	waitSessions bool
	waitSaves    bool
	done         chan struct{}
}

func (b *batch) complete() bool { return !b.waitStats && !b.waitSessions && !b.waitSaves }

// Client owns the console connection of a single managed server.
type Client struct {
	addr     string
	password string

	mu            sync.Mutex
	state         State
	conn          net.Conn
	queue         []string
	pending       *batch
	stats         Stats
	sessions      []Session
	saves         []Save
	activeSave    string
	lastRoundTrip time.Time
	lastStaleWarn time.Time
	cooldownUntil time.Time
	quit          chan struct{}
}

func New(addr, password string) *Client {
	return &Client{addr: addr, password: password, lastRoundTrip: time.Now()}
}

// Connect arms the reconnect supervisor. The supervisor dials whenever no
// connection exists and the cooldown has passed; it never creates a second
// connection.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit != nil {
		return
	}
	quit := make(chan struct{})
	c.quit = quit
	go c.supervise(quit)
}

// Close disarms the supervisor and closes any live connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.failPendingLocked()
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) supervise(quit chan struct{}) {
	t := time.NewTicker(reconnectInterval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			c.tryConnect(quit)
		}
	}
}

func (c *Client) tryConnect(quit chan struct{}) {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	if time.Now().Before(c.cooldownUntil) {
		c.state = StateBackoff
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	slog.Info("connecting to console port", "addr", c.addr)
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	select {
	case <-quit:
		// closed while dialing
		c.state = StateIdle
		c.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	// auth token is the first line on the wire
	if _, err := conn.Write([]byte(c.password + "\n")); err != nil {
		c.teardown(conn)
		return
	}
	go c.readLoop(conn)
}

// readLoop consumes the byte stream and dispatches completed lines. It runs
// until the connection dies; teardown then lets the supervisor reconnect.
func (c *Client) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		c.handleLine(strings.TrimSuffix(sc.Text(), "\r"))
	}
	c.teardown(conn)
}

// handleLine sniffs the structural prefix of a response line and folds it
// into the current snapshot. Unknown non-empty lines are protocol anomalies,
// logged and dropped.
func (c *Client) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, prefixStats):
		var st Stats
		if err := json.Unmarshal([]byte(line), &st); err != nil {
			slog.Warn("bad statistics response", "addr", c.addr, "err", err)
			return
		}
		c.mu.Lock()
		c.stats = st
		c.resolveLocked(func(b *batch) { b.waitStats = false })
		c.mu.Unlock()
	case strings.HasPrefix(line, prefixSessions):
		var resp sessionListResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			slog.Warn("bad session list response", "addr", c.addr, "err", err)
			return
		}
		c.mu.Lock()
		c.sessions = resp.PlayerInfo
		c.resolveLocked(func(b *batch) { b.waitSessions = false })
		c.mu.Unlock()
	case strings.HasPrefix(line, prefixSaves):
		var resp saveListResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			slog.Warn("bad save list response", "addr", c.addr, "err", err)
			return
		}
		c.mu.Lock()
		c.saves = resp.GameList
		c.activeSave = resp.ActiveSaveName
		c.resolveLocked(func(b *batch) { b.waitSaves = false })
		c.mu.Unlock()
	default:
		if line != "" {
			slog.Warn("unknown console response", "addr", c.addr, "len", len(line))
		}
	}
}

func (c *Client) resolveLocked(mark func(*batch)) {
	if c.pending == nil {
		return
	}
	mark(c.pending)
	if c.pending.complete() {
		c.lastRoundTrip = time.Now()
		close(c.pending.done)
		c.pending = nil
		metrics.IncRCONRoundTrip(c.addr)
	}
}

// failPendingLocked abandons the outstanding batch without closing done:
// the waiter in Update owns timeout handling.
func (c *Client) failPendingLocked() {
	c.pending = nil
}

func (c *Client) teardown(conn net.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.state == StateConnected {
			slog.Warn("console connection lost", "addr", c.addr)
		}
		c.state = StateIdle
		c.failPendingLocked()
	}
	c.mu.Unlock()
}

// Run queues a raw command for the next Update batch.
func (c *Client) Run(cmd string) {
	c.mu.Lock()
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()
}

// Convenience commands composed onto the raw queue.

func (c *Client) SetPlayerCategory(name, category string) {
	c.Run(fmt.Sprintf("DSSetPlayerCategoryForPlayerName %s %s", name, category))
}
func (c *Client) KickPlayer(localID string) { c.Run("DSKickPlayerGuid " + localID) }
func (c *Client) SaveGame()                 { c.Run("DSSaveGame") }
func (c *Client) LoadGame(name string)      { c.Run("DSLoadGame " + name) }
func (c *Client) NewGame(name string)       { c.Run("DSNewGame " + name) }
func (c *Client) RequestShutdown()          { c.Run("DSServerShutdown") }

// Update writes all queued commands plus the three data-gathering commands
// as one batch, preserving queue order, and waits until the three response
// kinds have arrived or the timeout elapses. On failure the connection is
// torn down (the supervisor reconnects) and a transient error is returned;
// Update never retries internally.
func (c *Client) Update(ctx context.Context) error {
	c.mu.Lock()
	// a previous batch still unresolved would race with this one
	c.failPendingLocked()
	conn := c.conn
	if conn == nil {
		c.applyStalenessLocked(time.Now())
		c.mu.Unlock()
		return ErrNotConnected
	}
	cmds := append(c.queue, cmdStatistics, cmdListGames, cmdListAll)
	c.queue = nil
	b := &batch{waitStats: true, waitSessions: true, waitSaves: true, done: make(chan struct{})}
	c.pending = b
	c.mu.Unlock()

	payload := strings.Join(cmds, "\n") + "\n"
	_ = conn.SetWriteDeadline(time.Now().Add(updateTimeout))
	if _, err := conn.Write([]byte(payload)); err != nil {
		c.fail(conn)
		return fmt.Errorf("rcon: write to %s failed: %w", c.addr, err)
	}

	select {
	case <-b.done:
		return nil
	case <-time.After(updateTimeout):
		c.fail(conn)
		return fmt.Errorf("rcon: timeout waiting for %s", c.addr)
	case <-ctx.Done():
		c.fail(conn)
		return ctx.Err()
	}
}

func (c *Client) fail(conn net.Conn) {
	metrics.IncRCONFailure(c.addr)
	c.teardown(conn)
	c.mu.Lock()
	c.applyStalenessLocked(time.Now())
	c.mu.Unlock()
}

// applyStalenessLocked enforces the escalation tiers on time since the last
// full round trip: under 30s nothing; 30s-600s the roster must not be
// reported as live, so every session is forced out of game; past 600s the
// roster and save list are cleared and reconnect attempts pause for a longer
// cooldown to avoid hot-looping against an unreachable endpoint.
func (c *Client) applyStalenessLocked(now time.Time) {
	t := now.Sub(c.lastRoundTrip)
	switch {
	case t >= deadAfter:
		c.sessions = nil
		c.saves = nil
		c.activeSave = ""
		if now.After(c.cooldownUntil) {
			slog.Warn("console unreachable, backing off", "addr", c.addr, "down", t.Round(time.Second))
			c.cooldownUntil = now.Add(backoffCooldown)
		}
	case t >= staleAfter:
		for i := range c.sessions {
			c.sessions[i].InGame = false
		}
		if now.Sub(c.lastStaleWarn) >= staleWarnInterval {
			slog.Warn("console data stale", "addr", c.addr, "since", t.Round(time.Second))
			c.lastStaleWarn = now
		}
	}
}

// Accessors. Slices are copied so tick code can hold them across lock-free
// work.

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == StateConnected }

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

func (c *Client) Saves() []Save {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Save, len(c.saves))
	copy(out, c.saves)
	return out
}

func (c *Client) ActiveSave() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSave
}

func (c *Client) LastRoundTrip() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRoundTrip
}

// Stale reports whether the session roster has passed the first escalation
// tier and must be treated as not live.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastRoundTrip) >= staleAfter
}
