// Package manager drives the lifecycle state machine of each managed game
// server and the fleet tick loop that evaluates all of them against one
// shared registry snapshot.
package manager

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/starkeeper/starkeeper/internal/assets"
	"github.com/starkeeper/starkeeper/internal/config"
	"github.com/starkeeper/starkeeper/internal/events"
	"github.com/starkeeper/starkeeper/internal/gamecfg"
	"github.com/starkeeper/starkeeper/internal/gameproc"
	"github.com/starkeeper/starkeeper/internal/logger"
	"github.com/starkeeper/starkeeper/internal/metrics"
	"github.com/starkeeper/starkeeper/internal/netprobe"
	"github.com/starkeeper/starkeeper/internal/notify"
	"github.com/starkeeper/starkeeper/internal/player"
	"github.com/starkeeper/starkeeper/internal/rcon"
	"github.com/starkeeper/starkeeper/internal/registry"
	"github.com/starkeeper/starkeeper/internal/sched"
)

// Status of a managed server's state machine.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Command is the pending operator intent, evaluated once per tick.
type Command int

const (
	CommandNone Command = iota
	CommandStart
	CommandStop
	CommandRestart
)

const (
	stopGrace    = 5 * time.Second
	probeWait    = time.Second
	configSubdir = "serverFiles/Saved/Config/Server"
)

// RegistryOps is the slice of the registry client the orchestrator needs.
type RegistryOps interface {
	Deregister(ctx context.Context, info *registry.ServerInfo) error
	Heartbeat(ctx context.Context, info *registry.ServerInfo) error
}

// RegistrySnapshot is the per-tick read-only registry view.
type RegistrySnapshot interface {
	Get(addr string) *registry.ServerInfo
}

// Deps are the collaborators shared across the fleet.
type Deps struct {
	DataDir   string
	Registry  RegistryOps
	Notifier  *notify.Notifier
	Sinks     []events.Sink
	Syncer    assets.Syncer
	Cache     *player.NameCache
	GameLog   logger.Config
	StopGrace time.Duration // wait between stop escalation steps, default 5s
}

// ManagedServer owns one game server: its state machine, its process handle
// (local mode), its console client and its player directory. Tick runs on the
// fleet goroutine; Start/Stop/Restart and the read accessors arrive from HTTP
// handlers and timer callbacks, so status and pending are guarded by mu.
type ManagedServer struct {
	cfg  config.Server
	deps Deps

	mu      sync.Mutex
	status  Status
	pending Command

	proc *gameproc.Handle
	chn  *rcon.Client
	dir  *player.Directory

	restartTimer *sched.Timer
	backupTimer  *sched.Timer

	lastInfo *registry.ServerInfo
}

func NewManagedServer(cfg config.Server, deps Deps) *ManagedServer {
	storePath := filepath.Join(deps.DataDir, "players", cfg.ID+".json")
	localMode := cfg.HostMode != config.HostRegistry
	s := &ManagedServer{
		cfg:    cfg,
		deps:   deps,
		status: StatusStopped,
	}
	s.dir = player.NewDirectory(cfg.ID, localMode,
		player.NewStore(storePath), deps.Cache, deps.Notifier, deps.Sinks)
	if localMode {
		s.chn = rcon.New(cfg.ConsoleAddr, cfg.ConsolePassword)
	}
	return s
}

func (s *ManagedServer) ID() string            { return s.cfg.ID }
func (s *ManagedServer) Config() config.Server { return s.cfg }

func (s *ManagedServer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start, Stop and Restart record operator intent for the next tick.
func (s *ManagedServer) Start()   { s.setPending(CommandStart) }
func (s *ManagedServer) Stop()    { s.setPending(CommandStop) }
func (s *ManagedServer) Restart() { s.setPending(CommandRestart) }

func (s *ManagedServer) setPending(c Command) {
	s.mu.Lock()
	s.pending = c
	s.mu.Unlock()
}

// takeStartIntent consumes a pending start or restart.
func (s *ManagedServer) takeStartIntent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == CommandStart || s.pending == CommandRestart {
		s.pending = CommandNone
		return true
	}
	return false
}

// takeStopIntent consumes a pending stop or restart.
func (s *ManagedServer) takeStopIntent() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == CommandStop || s.pending == CommandRestart {
		c := s.pending
		s.pending = CommandNone
		return c, true
	}
	return CommandNone, false
}

// Channel exposes the console client for the control API (raw commands,
// kicks, save management). Nil in registry-only mode.
func (s *ManagedServer) Channel() *rcon.Client { return s.chn }

// Players returns a snapshot of the player directory.
func (s *ManagedServer) Players() []player.Record { return s.dir.Records() }

// Tick evaluates the state machine once. snap is the fleet-wide registry
// snapshot for this tick.
func (s *ManagedServer) Tick(ctx context.Context, snap RegistrySnapshot) {
	info := snap.Get(s.cfg.GameAddr)
	s.lastInfo = info

	switch s.Status() {
	case StatusStopped:
		if s.takeStartIntent() {
			s.startSequence(ctx, info)
		}
	case StatusStarting:
		if cmd, ok := s.takeStopIntent(); ok {
			s.stopSequence(ctx, cmd)
			return
		}
		s.evalStarting(info)
	case StatusRunning:
		if cmd, ok := s.takeStopIntent(); ok {
			s.stopSequence(ctx, cmd)
			return
		}
		s.evalRunning(ctx, info)
	case StatusStopping:
		s.evalStopping()
	}
}

func (s *ManagedServer) setStatus(to Status) {
	s.mu.Lock()
	from := s.status
	if from == to {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.mu.Unlock()
	metrics.RecordStateTransition(s.cfg.ID, string(from), string(to))
	metrics.SetCurrentState(s.cfg.ID, string(from), false)
	metrics.SetCurrentState(s.cfg.ID, string(to), true)
	slog.Info("server state", "server", s.cfg.ID, "from", from, "to", to)
}

// startSequence runs the blocking part of a start: deregister a stale
// listing, sync assets, render config, launch. Any failure leaves the server
// Stopped; the operator decides whether to retry.
func (s *ManagedServer) startSequence(ctx context.Context, info *registry.ServerInfo) {
	slog.Info("starting server", "server", s.cfg.ID, "mode", s.cfg.HostMode)

	if info != nil && s.cfg.HostMode == config.HostLocal {
		// a listing from a previous run would shadow the new registration
		if err := s.deps.Registry.Deregister(ctx, info); err != nil {
			slog.Warn("deregister of stale listing failed", "server", s.cfg.ID, "err", err)
		}
	}

	if err := s.dir.Load(); err != nil {
		slog.Error("player store unreadable", "server", s.cfg.ID, "err", err)
		return
	}

	if s.cfg.HostMode == config.HostLocal {
		if s.deps.Syncer != nil {
			if err := s.deps.Syncer.Sync(s.cfg.ServerDir); err != nil {
				slog.Error("asset sync failed, start aborted", "server", s.cfg.ID, "err", err)
				s.deps.Notifier.Send(ctx, s.cfg.ID, "start aborted: "+err.Error())
				return
			}
		}
		if err := s.renderConfig(); err != nil {
			slog.Error("config render failed, start aborted", "server", s.cfg.ID, "err", err)
			return
		}
		h, err := gameproc.Start(s.cfg.ID, gameproc.Spec{
			Command: s.cfg.Command,
			Args:    s.cfg.Args,
			WorkDir: s.cfg.ServerDir,
			Log:     s.deps.GameLog,
		})
		if err != nil {
			slog.Error("launch failed", "server", s.cfg.ID, "err", err)
			return
		}
		s.proc = h
	}

	if s.chn != nil {
		s.chn.Connect()
	}
	s.setStatus(StatusStarting)
}

func (s *ManagedServer) renderConfig() error {
	port := 0
	if _, p, err := splitPort(s.cfg.GameAddr); err == nil {
		port = p
	}
	consolePort := 0
	if _, p, err := splitPort(s.cfg.ConsoleAddr); err == nil {
		consolePort = p
	}
	props := make([]gamecfg.PlayerProperty, 0)
	for _, r := range s.dir.Records() {
		if r.LocalID == "" {
			continue
		}
		props = append(props, gamecfg.PlayerProperty{
			Guid:           r.LocalID,
			Category:       string(r.Category),
			FirstJoinName:  r.FirstJoinName,
			RecentJoinName: r.Name,
		})
	}
	host, _, _ := splitPort(s.cfg.GameAddr)
	return gamecfg.Write(filepath.Join(s.cfg.ServerDir, configSubdir), gamecfg.Settings{
		ServerName:         s.cfg.Name,
		PublicIP:           host,
		GamePort:           port,
		ConsolePort:        consolePort,
		ConsolePassword:    s.cfg.ConsolePassword,
		MaxPlayers:         s.cfg.MaxPlayers,
		DenyUnlisted:       s.cfg.Whitelist,
		AutoSaveInterval:   s.cfg.SaveInterval,
		BackupSaveInterval: s.cfg.BackupInterval,
		ActiveSave:         s.cfg.RestoreSave,
		ChatWebhookURL:     s.cfg.ChatWebhook,
		Players:            props,
	})
}

// evalStarting gates the Starting→Running transition: the process must be
// alive (local) and the registry must list the server.
func (s *ManagedServer) evalStarting(info *registry.ServerInfo) {
	if s.cfg.HostMode == config.HostLocal && !s.proc.Alive() {
		slog.Warn("server died while starting", "server", s.cfg.ID)
		s.abandon()
		return
	}
	if info == nil {
		return // not registered yet, check again next tick
	}
	if !netprobe.Check(s.cfg.GameAddr, probeWait) {
		slog.Warn("server registered but not answering game traffic", "server", s.cfg.ID)
	}
	s.armSchedules()
	s.setStatus(StatusRunning)
	metrics.IncStart(s.cfg.ID)
	s.announce(events.EventServerStart, "is online")
}

// evalRunning drives the per-tick work of a running server: console update,
// identity reconciliation, heartbeat, death detection.
func (s *ManagedServer) evalRunning(ctx context.Context, info *registry.ServerInfo) {
	if s.cfg.HostMode == config.HostLocal && !s.proc.Alive() {
		slog.Warn("server process died unexpectedly", "server", s.cfg.ID,
			"exit", s.proc.ExitErr())
		s.abandon()
		s.announce(events.EventServerStop, "went down unexpectedly")
		return
	}

	var sessions []rcon.Session
	rosterStale := false
	if s.chn != nil {
		if err := s.chn.Update(ctx); err != nil {
			slog.Debug("console update failed", "server", s.cfg.ID, "err", err)
		}
		sessions = s.chn.Sessions()
		rosterStale = s.chn.Stale()
	}

	var registryIDs []string
	if info != nil {
		registryIDs = info.ActiveAccountIDs
	}
	if err := s.dir.Reconcile(ctx, time.Now(), player.Input{
		Sessions:    sessions,
		RegistryIDs: registryIDs,
		RosterStale: rosterStale,
		MaxPlayers:  s.cfg.MaxPlayers,
	}); err != nil {
		slog.Warn("player reconciliation failed", "server", s.cfg.ID, "err", err)
	}
	metrics.SetPlayersOnline(s.cfg.ID, s.dir.Online())

	if s.cfg.CustomHeartbeat && info != nil {
		if err := s.deps.Registry.Heartbeat(ctx, info); err != nil {
			slog.Warn("registry heartbeat failed", "server", s.cfg.ID, "err", err)
		}
	}
}

// stopSequence runs the graceful shutdown: save, grace wait, shutdown
// request, grace wait, force kill. Failed steps downgrade to the next
// harsher one rather than blocking.
func (s *ManagedServer) stopSequence(ctx context.Context, cmd Command) {
	slog.Info("stopping server", "server", s.cfg.ID)
	if cmd == CommandRestart {
		s.setPending(CommandStart)
	}
	s.cancelSchedules()
	s.setStatus(StatusStopping)

	if s.chn != nil && s.chn.Connected() && !s.cfg.NoShutdown {
		s.chn.SaveGame()
		if err := s.chn.Update(ctx); err != nil {
			slog.Warn("save before shutdown failed", "server", s.cfg.ID, "err", err)
		}
		time.Sleep(s.grace())
		s.chn.RequestShutdown()
		if err := s.chn.Update(ctx); err != nil {
			slog.Warn("shutdown request failed", "server", s.cfg.ID, "err", err)
		}
		time.Sleep(s.grace())
	}
	if s.chn != nil {
		s.chn.Close()
	}

	if s.cfg.HostMode == config.HostLocal && s.proc.Alive() {
		if err := s.proc.Stop(s.grace()); err != nil {
			slog.Warn("process stop", "server", s.cfg.ID, "err", err)
		}
	}
	metrics.IncStop(s.cfg.ID)
	s.announce(events.EventServerStop, "is shutting down")
	s.evalStopping()
}

// evalStopping waits for the process to be confirmed gone.
func (s *ManagedServer) evalStopping() {
	if s.cfg.HostMode == config.HostLocal && s.proc.Alive() {
		return
	}
	s.proc = nil
	s.setStatus(StatusStopped)
}

// abandon leaves Running/Starting after an unexpected process death.
func (s *ManagedServer) abandon() {
	if s.chn != nil {
		s.chn.Close()
	}
	s.cancelSchedules()
	s.proc = nil
	s.setStatus(StatusStopped)
}

func (s *ManagedServer) armSchedules() {
	if s.cfg.RestartAt != "" && s.restartTimer == nil {
		tm, err := sched.DailyAt(s.cfg.RestartAt, func() { s.Restart() })
		if err != nil {
			slog.Warn("bad restartAt schedule", "server", s.cfg.ID, "err", err)
		} else {
			s.restartTimer = tm
		}
	}
	if s.cfg.BackupSaveAt != "" && s.backupTimer == nil && s.chn != nil {
		tm, err := sched.DailyAt(s.cfg.BackupSaveAt, func() { s.chn.SaveGame() })
		if err != nil {
			slog.Warn("bad backupSaveAt schedule", "server", s.cfg.ID, "err", err)
		} else {
			s.backupTimer = tm
		}
	}
}

func (s *ManagedServer) cancelSchedules() {
	if s.restartTimer != nil {
		s.restartTimer.Cancel()
		s.restartTimer = nil
	}
	if s.backupTimer != nil {
		s.backupTimer.Cancel()
		s.backupTimer = nil
	}
}

func (s *ManagedServer) announce(t events.Type, msg string) {
	ctx := context.Background()
	s.deps.Notifier.Send(ctx, s.cfg.ID, msg)
	for _, sink := range s.deps.Sinks {
		if err := sink.Send(ctx, events.Event{
			Type:       t,
			OccurredAt: time.Now(),
			ServerID:   s.cfg.ID,
			Detail:     msg,
		}); err != nil {
			slog.Warn("event sink failed", "server", s.cfg.ID, "type", t, "err", err)
		}
	}
}

func (s *ManagedServer) grace() time.Duration {
	if s.deps.StopGrace > 0 {
		return s.deps.StopGrace
	}
	return stopGrace
}

func splitPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0, err
	}
	port, err := strconv.Atoi(portStr)
	return host, port, err
}
