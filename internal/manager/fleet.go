package manager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starkeeper/starkeeper/internal/registry"
)

const tickInterval = 4 * time.Second

// RegistryClient is the full registry surface the fleet loop needs.
type RegistryClient interface {
	RegistryOps
	Track(addr string)
	FetchSnapshot(ctx context.Context) (*registry.Snapshot, error)
}

// Fleet evaluates every managed server once per tick against a single
// registry snapshot. Per-server work is sequential so all servers observe
// the same snapshot within a tick.
type Fleet struct {
	servers []*ManagedServer
	byID    map[string]*ManagedServer
	reg     RegistryClient
}

func NewFleet(reg RegistryClient, servers []*ManagedServer) *Fleet {
	f := &Fleet{servers: servers, byID: make(map[string]*ManagedServer, len(servers)), reg: reg}
	for _, s := range servers {
		f.byID[s.ID()] = s
		reg.Track(s.Config().GameAddr)
	}
	return f
}

func (f *Fleet) Servers() []*ManagedServer { return f.servers }

func (f *Fleet) Server(id string) (*ManagedServer, bool) {
	s, ok := f.byID[id]
	return s, ok
}

// StartAll queues a start for every server.
func (f *Fleet) StartAll() {
	for _, s := range f.servers {
		s.Start()
	}
}

// Run drives the tick loop until ctx is cancelled or the registry has been
// down past its failure window, which is fatal for the whole fleet.
func (f *Fleet) Run(ctx context.Context) error {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return ctx.Err()
		case <-t.C:
			if err := f.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (f *Fleet) tick(ctx context.Context) error {
	snap, err := f.reg.FetchSnapshot(ctx)
	if errors.Is(err, registry.ErrDownTooLong) {
		slog.Error("registry down past failure window, stopping fleet", "err", err)
		f.shutdown()
		return err
	}
	// transient registry failure: tick with an empty snapshot, retry next time
	for _, s := range f.servers {
		s.Tick(ctx, snap)
	}
	return nil
}

// shutdown gracefully stops every server that is still up.
func (f *Fleet) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	slog.Info("fleet shutting down", "servers", len(f.servers))
	for _, s := range f.servers {
		switch s.Status() {
		case StatusRunning, StatusStarting:
			s.stopSequence(ctx, CommandStop)
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		allDown := true
		for _, s := range f.servers {
			s.evalStopping()
			if s.Status() != StatusStopped {
				allDown = false
			}
		}
		if allDown {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
