// Package registry talks to the matchmaking/presence service the game
// servers register themselves with. It is the only source of registry
// (account) player identifiers. All tracked servers are queried in one
// request per fleet tick and the response is cached as a Snapshot.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/starkeeper/starkeeper/internal/metrics"
)

// ErrDownTooLong is returned by FetchSnapshot once the registry has been
// unreachable for longer than the configured failure window. The whole fleet
// depends on one registry connection, so callers treat it as fatal.
var ErrDownTooLong = errors.New("registry unreachable for too long")

const (
	authTTL = time.Hour
	// number of snapshots a deregistered server stays suppressed for,
	// covering the registry's propagation delay
	suppressTicks = 4
)

// Tags carries the advertised server properties.
type Tags struct {
	MaxPlayers       int    `json:"maxPlayers"`
	NumPlayers       int    `json:"numPlayers"`
	ServerName       string `json:"serverName"`
	GameBuild        string `json:"gameBuild"`
	Category         string `json:"category"`
	RequiresPassword bool   `json:"requiresPassword"`
}

// ServerInfo is one registered server as reported by the registry.
type ServerInfo struct {
	LobbyID          string   `json:"lobbyId"`
	GameAddress      string   `json:"address"`
	ActiveAccountIDs []string `json:"accountIds"`
	BuildVersion     string   `json:"buildVersion"`
	Tags             Tags     `json:"tags"`
	LastHeartbeat    string   `json:"lastHeartbeat"`
}

// Snapshot is the result of one registry query, shared read-only by every
// server evaluated in the same fleet tick.
type Snapshot struct {
	fetchedAt time.Time
	servers   map[string]*ServerInfo
}

// Get returns the registry entry for the given game address, or nil when the
// server is not (or no longer) listed.
func (s *Snapshot) Get(addr string) *ServerInfo {
	if s == nil {
		return nil
	}
	return s.servers[addr]
}

func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Client queries and commands the matchmaking registry. The auth token is
// cached and refreshed only when expired.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu          sync.Mutex
	token       string
	tokenAt     time.Time
	addrs       []string
	suppressed  map[string]int
	lastSuccess time.Time
	failWindow  time.Duration
}

func New(baseURL string, failWindow time.Duration) *Client {
	if failWindow <= 0 {
		failWindow = time.Hour
	}
	return &Client{
		baseURL:     baseURL,
		httpc:       &http.Client{Timeout: 5 * time.Second},
		suppressed:  make(map[string]int),
		lastSuccess: time.Now(),
		failWindow:  failWindow,
	}
}

// Track adds a game address to the set queried by FetchSnapshot.
func (c *Client) Track(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.addrs {
		if a == addr {
			return
		}
	}
	c.addrs = append(c.addrs, addr)
}

type authRequest struct {
	ClientID      string `json:"clientId"`
	CreateAccount bool   `json:"createAccount"`
}

type authResponse struct {
	SessionTicket string `json:"sessionTicket"`
}

// ensureAuth refreshes the cached session ticket when it is older than one
// hour. Callers hold no lock; ensureAuth manages its own.
func (c *Client) ensureAuth(ctx context.Context) error {
	c.mu.Lock()
	fresh := c.token != "" && time.Since(c.tokenAt) < authTTL
	c.mu.Unlock()
	if fresh {
		return nil
	}

	req := authRequest{
		ClientID:      fmt.Sprintf("starkeeper_%04d", rand.Intn(10000)),
		CreateAccount: true,
	}
	var resp authResponse
	if err := c.post(ctx, "/auth/session", "", req, &resp); err != nil {
		return fmt.Errorf("registry auth: %w", err)
	}
	if resp.SessionTicket == "" {
		return errors.New("registry auth: empty session ticket")
	}
	c.mu.Lock()
	c.token = resp.SessionTicket
	c.tokenAt = time.Now()
	c.mu.Unlock()
	return nil
}

type queryRequest struct {
	Addresses []string `json:"addresses"`
}

type queryResponse struct {
	Servers []ServerInfo `json:"servers"`
}

// FetchSnapshot queries all tracked servers in one request. On failure it
// returns a transient error, or ErrDownTooLong once failures have been
// continuous for the whole failure window.
func (c *Client) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, c.fail(err)
	}

	c.mu.Lock()
	addrs := append([]string(nil), c.addrs...)
	token := c.token
	c.mu.Unlock()

	var resp queryResponse
	if err := c.post(ctx, "/servers/query", token, queryRequest{Addresses: addrs}, &resp); err != nil {
		return nil, c.fail(err)
	}

	snap := &Snapshot{fetchedAt: time.Now(), servers: make(map[string]*ServerInfo, len(resp.Servers))}
	c.mu.Lock()
	for i := range resp.Servers {
		info := resp.Servers[i]
		if n, ok := c.suppressed[info.GameAddress]; ok {
			if n > 0 {
				c.suppressed[info.GameAddress] = n - 1
				continue
			}
			delete(c.suppressed, info.GameAddress)
		}
		snap.servers[info.GameAddress] = &info
	}
	c.lastSuccess = time.Now()
	c.mu.Unlock()
	return snap, nil
}

func (c *Client) fail(err error) error {
	metrics.IncRegistryFailure()
	c.mu.Lock()
	down := time.Since(c.lastSuccess)
	window := c.failWindow
	c.mu.Unlock()
	if down > window {
		return fmt.Errorf("%w (last success %s ago): %v", ErrDownTooLong, down.Round(time.Second), err)
	}
	slog.Warn("registry query failed", "err", err)
	return err
}

type deregisterRequest struct {
	LobbyID string `json:"lobbyId"`
}

// Deregister removes a stale listing before a local start/update and
// suppresses the address from the next few snapshots while the registry
// catches up.
func (c *Client) Deregister(ctx context.Context, info *ServerInfo) error {
	if info == nil {
		return nil
	}
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	token := c.token
	c.suppressed[info.GameAddress] = suppressTicks
	c.mu.Unlock()
	return c.post(ctx, "/servers/deregister", token, deregisterRequest{LobbyID: info.LobbyID}, nil)
}

type heartbeatRequest struct {
	LobbyID    string `json:"lobbyId"`
	ServerName string `json:"serverName"`
	Build      string `json:"build"`
	Address    string `json:"address"`
	MaxPlayers int    `json:"maxPlayers"`
	NumPlayers int    `json:"numPlayers"`
}

// Heartbeat refreshes a server's registry listing (custom heartbeat mode).
func (c *Client) Heartbeat(ctx context.Context, info *ServerInfo) error {
	if info == nil {
		return nil
	}
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return c.post(ctx, "/servers/heartbeat", token, heartbeatRequest{
		LobbyID:    info.LobbyID,
		ServerName: info.Tags.ServerName,
		Build:      info.Tags.GameBuild,
		Address:    info.GameAddress,
		MaxPlayers: info.Tags.MaxPlayers,
		NumPlayers: len(info.ActiveAccountIDs),
	}, nil)
}

func (c *Client) post(ctx context.Context, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("X-Authorization", token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
