package player

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CacheEntry is the cross-server knowledge about one registry account: the
// last local id and names it was seen with on any managed server.
type CacheEntry struct {
	RegistryID    string
	LocalID       string
	Name          string
	FirstJoinName string
	FirstJoinAt   time.Time
	LastSeenAt    time.Time
}

// NameCache is shared by every server's directory. Writers are serialized
// by a single mutex; there are no multi-key transactional updates.
type NameCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]*CacheEntry
}

type cachedEntry struct {
	RegistryID    string `json:"registryId"`
	LocalID       string `json:"localId"`
	Name          string `json:"name"`
	FirstJoinName string `json:"firstJoinName"`
	FirstJoinAt   int64  `json:"firstJoinAt"`
	LastSeenAt    int64  `json:"lastSeenAt"`
}

type cacheFile struct {
	PlayerCache []cachedEntry `json:"playerCache"`
}

// OpenNameCache reads the cache file, creating an empty one if missing.
func OpenNameCache(path string) (*NameCache, error) {
	c := &NameCache{path: path, entries: make(map[string]*CacheEntry)}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := c.persist(); werr != nil {
			return nil, werr
		}
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	var f cacheFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("name cache %s: %w", path, err)
	}
	for _, e := range f.PlayerCache {
		c.entries[e.RegistryID] = &CacheEntry{
			RegistryID:    e.RegistryID,
			LocalID:       e.LocalID,
			Name:          e.Name,
			FirstJoinName: e.FirstJoinName,
			FirstJoinAt:   fromMillis(e.FirstJoinAt),
			LastSeenAt:    fromMillis(e.LastSeenAt),
		}
	}
	return c, nil
}

// Find returns a copy of the entry for the registry id.
func (c *NameCache) Find(registryID string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[registryID]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

// Update folds fresh channel-sourced data for a record into the cache and
// persists (write-through). Records without a registry id cannot be cached.
func (c *NameCache) Update(r *Record, now time.Time) {
	if r.RegistryID == "" {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[r.RegistryID]
	if !ok {
		e = &CacheEntry{RegistryID: r.RegistryID}
		c.entries[r.RegistryID] = e
	}
	if r.LocalID != "" {
		e.LocalID = r.LocalID
	}
	if r.Name != "" {
		e.Name = r.Name
	}
	if r.InGame {
		if e.FirstJoinName == "" {
			e.FirstJoinName = r.FirstJoinName
		}
		if e.FirstJoinAt.IsZero() {
			e.FirstJoinAt = now
		}
		e.LastSeenAt = now
	}
	err := c.persistLocked()
	c.mu.Unlock()
	if err != nil {
		slog.Warn("name cache write failed", "path", c.path, "err", err)
	}
}

func (c *NameCache) persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

func (c *NameCache) persistLocked() error {
	f := cacheFile{PlayerCache: make([]cachedEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		f.PlayerCache = append(f.PlayerCache, cachedEntry{
			RegistryID:    e.RegistryID,
			LocalID:       e.LocalID,
			Name:          e.Name,
			FirstJoinName: e.FirstJoinName,
			FirstJoinAt:   toMillis(e.FirstJoinAt),
			LastSeenAt:    toMillis(e.LastSeenAt),
		})
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(c.path, b, 0o600)
}
