// Package player maintains the authoritative per-server player roster. Each
// tick it reconciles two observation streams that carry disjoint halves of a
// player's identity: the console channel reports local session ids, the
// matchmaking registry reports account ids. Records are bound by join order,
// deduplicated, hydrated from a cross-server name cache and persisted.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starkeeper/starkeeper/internal/events"
	"github.com/starkeeper/starkeeper/internal/notify"
	"github.com/starkeeper/starkeeper/internal/rcon"
)

// Input is the observation set for one reconciliation tick.
type Input struct {
	Sessions    []rcon.Session // console roster, empty in registry-only mode
	RegistryIDs []string       // active account ids from the registry snapshot
	RosterStale bool           // console data past the staleness threshold
	MaxPlayers  int
}

// Directory owns the player record set of a single managed server. Reconcile
// and Load run on the fleet tick goroutine; the read accessors are also
// called from HTTP handlers, so the record set is guarded by mu.
type Directory struct {
	serverID  string
	localMode bool // console channel available (local or remote host)

	mu sync.RWMutex

	store    *Store
	cache    *NameCache
	notifier *notify.Notifier
	sinks    []events.Sink

	records    []*Record
	byLocal    map[string]*Record
	byRegistry map[string]*Record

	prevRegistry map[string]bool
	prevInGame   map[string]bool // keyed by local id, console roster last tick

	// join-order matching queues, surviving across ticks
	pendingLocal    []string
	pendingRegistry []string
}

func NewDirectory(serverID string, localMode bool, store *Store, cache *NameCache, notifier *notify.Notifier, sinks []events.Sink) *Directory {
	return &Directory{
		serverID:     serverID,
		localMode:    localMode,
		store:        store,
		cache:        cache,
		notifier:     notifier,
		sinks:        sinks,
		byLocal:      make(map[string]*Record),
		byRegistry:   make(map[string]*Record),
		prevRegistry: make(map[string]bool),
		prevInGame:   make(map[string]bool),
	}
}

// Load reads the persisted store into the in-memory set. Called once when the
// server enters the running state.
func (d *Directory) Load() error {
	records, err := d.store.Load()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = nil
	d.byLocal = make(map[string]*Record)
	d.byRegistry = make(map[string]*Record)
	for _, r := range records {
		d.insert(r)
	}
	slog.Info("player store loaded", "server", d.serverID, "players", len(d.records))
	return nil
}

// Records returns a snapshot copy of the current set.
func (d *Directory) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, *r)
	}
	return out
}

// Online is the number of records currently in game.
func (d *Directory) Online() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.onlineLocked()
}

func (d *Directory) onlineLocked() int {
	n := 0
	for _, r := range d.records {
		if r.InGame {
			n++
		}
	}
	return n
}

// Find returns a copy of the record matching a local or registry id.
func (d *Directory) Find(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.byLocal[id]; ok {
		return *r, true
	}
	if r, ok := d.byRegistry[id]; ok {
		return *r, true
	}
	return Record{}, false
}

// Reconcile folds one tick's observations into the record set: creation,
// join-order matching, deduplication, cache hydration, join/leave bookkeeping
// and persistence, in that order.
func (d *Directory) Reconcile(ctx context.Context, now time.Time, in Input) error {
	fresh := make(map[string]rcon.Session, len(in.Sessions))
	if d.localMode && !in.RosterStale {
		for _, s := range in.Sessions {
			fresh[s.LocalID] = s
		}
	}
	activeRegistry := make(map[string]bool, len(in.RegistryIDs))
	for _, id := range in.RegistryIDs {
		activeRegistry[id] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.createRecords(now, fresh, in.RegistryIDs)
	d.match(in, fresh, activeRegistry)
	d.dedup(now)
	d.hydrate(now, fresh)
	d.transition(ctx, now, fresh, activeRegistry, in.MaxPlayers)

	d.prevRegistry = activeRegistry
	d.prevInGame = make(map[string]bool, len(fresh))
	for id, s := range fresh {
		d.prevInGame[id] = s.InGame
	}

	return d.store.Save(d.records, now)
}

func (d *Directory) insert(r *Record) {
	d.records = append(d.records, r)
	if r.LocalID != "" {
		d.byLocal[r.LocalID] = r
	}
	if r.RegistryID != "" {
		d.byRegistry[r.RegistryID] = r
	}
}

// createRecords makes a record for every unseen identity: local ids from the
// console in local mode, registry ids from the snapshot in registry-only
// mode. Category starts from the console report or Pending when the console
// has never confirmed the player.
func (d *Directory) createRecords(now time.Time, fresh map[string]rcon.Session, registryIDs []string) {
	if d.localMode {
		for id, s := range fresh {
			if _, ok := d.byLocal[id]; ok {
				continue
			}
			r := &Record{
				LocalID:  id,
				Name:     s.Name,
				Category: CategoryFromString(s.Category),
			}
			d.insert(r)
			slog.Info("new player record", "server", d.serverID, "localId", id, "name", s.Name)
		}
		return
	}
	for _, id := range registryIDs {
		if _, ok := d.byRegistry[id]; ok {
			continue
		}
		r := &Record{RegistryID: id, Category: CategoryPending}
		d.insert(r)
		slog.Info("new player record", "server", d.serverID, "registryId", id)
	}
}

// match runs join-order matching. Ids that newly joined this tick are pushed
// onto their queue; the queues survive across ticks so a registry sighting
// arriving one tick after the console sighting still binds. When more than
// one id joins on each side in the same tick the order is unknowable, so both
// queues are discarded rather than guessed at.
func (d *Directory) match(in Input, fresh map[string]rcon.Session, activeRegistry map[string]bool) {
	if !d.localMode {
		return
	}

	// roster order, not map order, so same-tick joins keep a stable FIFO
	var newLocal, newRegistry []string
	for _, s := range in.Sessions {
		f, ok := fresh[s.LocalID]
		if !ok || !f.InGame || d.prevInGame[s.LocalID] {
			continue
		}
		if r := d.byLocal[s.LocalID]; r != nil && r.RegistryID == "" {
			newLocal = append(newLocal, s.LocalID)
		}
	}
	for _, id := range in.RegistryIDs {
		if d.prevRegistry[id] {
			continue
		}
		if _, bound := d.byRegistry[id]; !bound {
			newRegistry = append(newRegistry, id)
		}
	}

	if len(newLocal) > 1 && len(newRegistry) > 1 {
		slog.Warn("ambiguous simultaneous joins, discarding match queues",
			"server", d.serverID, "local", len(newLocal), "registry", len(newRegistry))
		d.pendingLocal = nil
		d.pendingRegistry = nil
		return
	}
	d.pendingLocal = append(d.pendingLocal, newLocal...)
	d.pendingRegistry = append(d.pendingRegistry, newRegistry...)

	// drop queue entries invalidated since they were pushed
	d.pendingLocal = filter(d.pendingLocal, func(id string) bool {
		r := d.byLocal[id]
		return r != nil && r.RegistryID == "" && fresh[id].InGame
	})
	d.pendingRegistry = filter(d.pendingRegistry, func(id string) bool {
		_, bound := d.byRegistry[id]
		return activeRegistry[id] && !bound
	})

	for len(d.pendingLocal) > 0 && len(d.pendingRegistry) > 0 {
		localID := d.pendingLocal[0]
		registryID := d.pendingRegistry[0]
		d.pendingLocal = d.pendingLocal[1:]
		d.pendingRegistry = d.pendingRegistry[1:]

		r := d.byLocal[localID]
		r.RegistryID = registryID
		d.byRegistry[registryID] = r
		slog.Info("player identity bound", "server", d.serverID,
			"localId", localID, "registryId", registryID, "name", r.Name)
	}
}

// dedup repairs the identity invariant: no two records may share a non-empty
// local id or registry id. The record with the greater playtime survives.
// This runs every tick, not only after a binding, to heal stale persisted
// state.
func (d *Directory) dedup(now time.Time) {
	survivors := d.records[:0]
	byLocal := make(map[string]*Record, len(d.records))
	byRegistry := make(map[string]*Record, len(d.records))

	drop := make(map[*Record]bool)
	for _, r := range d.records {
		if drop[r] {
			continue
		}
		if r.LocalID != "" {
			if other, ok := byLocal[r.LocalID]; ok {
				loser := d.pickLoser(other, r, now)
				drop[loser] = true
				if loser == r {
					continue
				}
				d.unindex(byLocal, byRegistry, other)
			}
		}
		if r.RegistryID != "" {
			if other, ok := byRegistry[r.RegistryID]; ok && !drop[other] {
				loser := d.pickLoser(other, r, now)
				drop[loser] = true
				if loser == r {
					continue
				}
				d.unindex(byLocal, byRegistry, other)
			}
		}
		if r.LocalID != "" {
			byLocal[r.LocalID] = r
		}
		if r.RegistryID != "" {
			byRegistry[r.RegistryID] = r
		}
	}
	for _, r := range d.records {
		if !drop[r] {
			survivors = append(survivors, r)
		}
	}
	d.records = survivors
	d.byLocal = byLocal
	d.byRegistry = byRegistry
}

func (d *Directory) pickLoser(a, b *Record, now time.Time) *Record {
	loser := a
	if a.Playtime(now) >= b.Playtime(now) {
		loser = b
	}
	slog.Warn("duplicate player record discarded", "server", d.serverID,
		"localId", loser.LocalID, "registryId", loser.RegistryID, "name", loser.Name)
	return loser
}

func (d *Directory) unindex(byLocal, byRegistry map[string]*Record, r *Record) {
	if r.LocalID != "" && byLocal[r.LocalID] == r {
		delete(byLocal, r.LocalID)
	}
	if r.RegistryID != "" && byRegistry[r.RegistryID] == r {
		delete(byRegistry, r.RegistryID)
	}
}

// hydrate refreshes profile fields. A record with a fresh console sighting
// takes name and category from the console and is written through to the name
// cache; one without is backfilled from the cache by registry id and flagged
// stale.
func (d *Directory) hydrate(now time.Time, fresh map[string]rcon.Session) {
	for _, r := range d.records {
		if s, ok := fresh[r.LocalID]; ok && r.LocalID != "" {
			if s.Name != "" {
				r.Name = s.Name
			}
			r.Category = CategoryFromString(s.Category)
			r.Stale = false
			d.cache.Update(r, now)
			continue
		}
		r.Stale = true
		if r.RegistryID == "" {
			continue
		}
		if e, ok := d.cache.Find(r.RegistryID); ok {
			if r.Name == "" {
				r.Name = e.Name
			}
			if r.LocalID == "" && e.LocalID != "" {
				if _, taken := d.byLocal[e.LocalID]; !taken {
					r.LocalID = e.LocalID
					d.byLocal[e.LocalID] = r
				}
			}
			if r.FirstJoinName == "" {
				r.FirstJoinName = e.FirstJoinName
			}
		}
	}
}

// transition evaluates join and leave per record and does the bookkeeping.
func (d *Directory) transition(ctx context.Context, now time.Time, fresh map[string]rcon.Session, activeRegistry map[string]bool, maxPlayers int) {
	for _, r := range d.records {
		var inGame bool
		if d.localMode {
			s, ok := fresh[r.LocalID]
			inGame = ok && s.InGame
		} else {
			inGame = r.RegistryID != "" && activeRegistry[r.RegistryID]
		}

		switch {
		case inGame && !r.InGame:
			r.InGame = true
			r.OnlineSince = now
			if r.FirstJoinAt.IsZero() {
				r.FirstJoinAt = now
				r.FirstJoinName = r.Name
			}
			d.announce(ctx, now, events.EventPlayerJoin, r, "joined", maxPlayers)
		case !inGame && r.InGame:
			r.InGame = false
			r.Accumulated += now.Sub(r.OnlineSince)
			r.OnlineSince = time.Time{}
			d.announce(ctx, now, events.EventPlayerLeave, r, "left", maxPlayers)
		}
		if r.InGame {
			r.LastSeenAt = now
		}
	}
}

func (d *Directory) announce(ctx context.Context, now time.Time, t events.Type, r *Record, verb string, maxPlayers int) {
	online := d.onlineLocked()
	slog.Info("player "+verb, "server", d.serverID, "name", r.Name,
		"localId", r.LocalID, "registryId", r.RegistryID, "online", online)
	d.notifier.Send(ctx, d.serverID, fmt.Sprintf("%s %s (%d/%d)", r.DisplayName(), verb, online, maxPlayers))
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, events.Event{
			Type:       t,
			OccurredAt: now,
			ServerID:   d.serverID,
			PlayerName: r.Name,
			RegistryID: r.RegistryID,
		}); err != nil {
			slog.Warn("event sink failed", "server", d.serverID, "type", t, "err", err)
		}
	}
}

func filter(ids []string, keep func(string) bool) []string {
	out := ids[:0]
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}
