//go:build !windows

package manager

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starkeeper/starkeeper/internal/config"
	"github.com/starkeeper/starkeeper/internal/player"
	"github.com/starkeeper/starkeeper/internal/registry"
)

type fakeRegistry struct {
	deregs int
	beats  int
}

func (f *fakeRegistry) Deregister(context.Context, *registry.ServerInfo) error {
	f.deregs++
	return nil
}

func (f *fakeRegistry) Heartbeat(context.Context, *registry.ServerInfo) error {
	f.beats++
	return nil
}

type fakeSnap map[string]*registry.ServerInfo

func (f fakeSnap) Get(addr string) *registry.ServerInfo { return f[addr] }

type failingSyncer struct{}

func (failingSyncer) Sync(string) error { return errors.New("download broke") }

func testDeps(t *testing.T, reg *fakeRegistry) Deps {
	t.Helper()
	dir := t.TempDir()
	cache, err := player.OpenNameCache(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)
	return Deps{DataDir: dir, Registry: reg, Cache: cache}
}

func localConfig(dir string) config.Server {
	return config.Server{
		ID:          "alpha",
		HostMode:    config.HostLocal,
		Name:        "Alpha",
		GameAddr:    "127.0.0.1:38777",
		ConsoleAddr: "127.0.0.1:38778",
		MaxPlayers:  8,
		Command:     "/bin/sh",
		Args:        []string{"-c", "sleep 30"},
		ServerDir:   dir,
	}
}

func listing(addr string, accounts ...string) fakeSnap {
	return fakeSnap{addr: {LobbyID: "L1", GameAddress: addr, ActiveAccountIDs: accounts}}
}

func TestStartSequenceToRunning(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	cfg := localConfig(deps.DataDir)
	s := NewManagedServer(cfg, deps)
	defer func() { _ = s.proc.Kill() }()

	// a stale listing from a previous run must be deregistered
	s.Start()
	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, StatusStarting, s.Status())
	require.Equal(t, 1, reg.deregs)
	require.True(t, s.proc.Alive())

	// not yet listed again: stays starting
	s.Tick(context.Background(), fakeSnap{})
	require.Equal(t, StatusStarting, s.Status())

	// listed: gate opens
	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, StatusRunning, s.Status())
}

func TestAssetSyncFailureAbortsStart(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	deps.Syncer = failingSyncer{}
	s := NewManagedServer(localConfig(deps.DataDir), deps)

	s.Start()
	s.Tick(context.Background(), fakeSnap{})
	require.Equal(t, StatusStopped, s.Status())
	require.Nil(t, s.proc)
	require.Equal(t, CommandNone, s.pending)
}

func TestUnexpectedDeathForcesStopped(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	cfg := localConfig(deps.DataDir)
	cfg.Args = []string{"-c", "exit 7"}
	s := NewManagedServer(cfg, deps)

	s.Start()
	s.Tick(context.Background(), fakeSnap{})
	require.Equal(t, StatusStarting, s.Status())

	deadline := time.Now().Add(3 * time.Second)
	for s.proc.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	s.Tick(context.Background(), fakeSnap{})
	require.Equal(t, StatusStopped, s.Status())
}

func TestRestartFlipsBackToStart(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	cfg := localConfig(deps.DataDir)
	s := NewManagedServer(cfg, deps)

	s.Start()
	s.Tick(context.Background(), listing(cfg.GameAddr))
	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, StatusRunning, s.Status())

	s.Restart()
	s.Tick(context.Background(), listing(cfg.GameAddr))
	// sh exits promptly on SIGTERM, so the stop sequence completes in-tick
	require.Equal(t, StatusStopped, s.Status())
	require.Equal(t, CommandStart, s.pending)

	// next tick starts again
	s.Tick(context.Background(), fakeSnap{})
	require.Equal(t, StatusStarting, s.Status())
	_ = s.proc.Kill()
}

func TestRegistryOnlyServer(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	cfg := config.Server{
		ID:         "beta",
		HostMode:   config.HostRegistry,
		Name:       "Beta",
		GameAddr:   "127.0.0.1:48777",
		MaxPlayers: 8,
	}
	s := NewManagedServer(cfg, deps)
	require.Nil(t, s.Channel())

	s.Start()
	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, StatusStarting, s.Status())
	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, StatusRunning, s.Status())

	// registry accounts become pending player records
	s.Tick(context.Background(), listing(cfg.GameAddr, "R1", "R2"))
	players := s.Players()
	require.Len(t, players, 2)
	for _, p := range players {
		require.Equal(t, player.CategoryPending, p.Category)
		require.True(t, p.InGame)
	}
}

func TestCustomHeartbeat(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	cfg := config.Server{
		ID:              "gamma",
		HostMode:        config.HostRegistry,
		GameAddr:        "127.0.0.1:58777",
		MaxPlayers:      8,
		CustomHeartbeat: true,
	}
	s := NewManagedServer(cfg, deps)
	s.Start()
	s.Tick(context.Background(), listing(cfg.GameAddr))
	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, StatusRunning, s.Status())

	s.Tick(context.Background(), listing(cfg.GameAddr))
	require.Equal(t, 1, reg.beats)
}

func TestConcurrentIntentsAndReads(t *testing.T) {
	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	cfg := config.Server{
		ID:         "delta",
		HostMode:   config.HostRegistry,
		GameAddr:   "127.0.0.1:18777",
		MaxPlayers: 8,
	}
	s := NewManagedServer(cfg, deps)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.Start()
			_ = s.Status()
			_ = s.Players()
			s.Stop()
		}
	}()

	snap := listing(cfg.GameAddr)
	for i := 0; i < 50; i++ {
		s.Tick(context.Background(), snap)
	}
	close(stop)
	wg.Wait()
}

func TestGracefulStopCommandOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	var mu sync.Mutex
	var commands []string
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		sc := bufio.NewScanner(conn)
		if !sc.Scan() {
			return // auth line
		}
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			commands = append(commands, line)
			mu.Unlock()
			if line == "DSListPlayers" {
				_, _ = conn.Write([]byte(`{"build":"1"}` + "\n" +
					`{"activeSaveName":"SAVE_1","gameList":[]}` + "\n" +
					`{"playerInfo":[]}` + "\n"))
			}
		}
	}()

	reg := &fakeRegistry{}
	deps := testDeps(t, reg)
	deps.StopGrace = 20 * time.Millisecond
	cfg := config.Server{
		ID:          "epsilon",
		HostMode:    config.HostRemote,
		GameAddr:    "127.0.0.1:28777",
		ConsoleAddr: ln.Addr().String(),
		MaxPlayers:  8,
	}
	s := NewManagedServer(cfg, deps)
	s.chn.Connect()
	defer s.chn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for !s.chn.Connected() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, s.chn.Connected())

	s.setStatus(StatusRunning)
	s.stopSequence(context.Background(), CommandStop)
	require.Equal(t, StatusStopped, s.Status())

	mu.Lock()
	defer mu.Unlock()
	save, shutdown := -1, -1
	for i, c := range commands {
		if c == "DSSaveGame" && save == -1 {
			save = i
		}
		if c == "DSServerShutdown" && shutdown == -1 {
			shutdown = i
		}
	}
	require.GreaterOrEqual(t, save, 0, "save command never sent")
	require.GreaterOrEqual(t, shutdown, 0, "shutdown command never sent")
	require.Less(t, save, shutdown, "save must precede the shutdown request")
}
