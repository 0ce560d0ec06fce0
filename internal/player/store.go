package player

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store persists one server's player records as JSON. It is read once at
// server startup and written after every successful reconciliation tick.
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

// storedRecord is the on-disk shape. Timestamps are unix milliseconds,
// playtime is milliseconds.
type storedRecord struct {
	LocalID             string   `json:"localId"`
	RegistryID          string   `json:"registryId"`
	Name                string   `json:"name"`
	FirstJoinName       string   `json:"firstJoinName"`
	FirstJoinAt         int64    `json:"firstJoinAt"`
	LastSeenAt          int64    `json:"lastSeenAt"`
	AccumulatedPlaytime int64    `json:"accumulatedPlaytime"`
	Category            Category `json:"category"`
}

type storeFile struct {
	Players []storedRecord `json:"players"`
}

// Load reads the store. A missing file is not an error: an empty store file
// is created so the first write path is exercised early.
func (s *Store) Load() ([]*Record, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if werr := s.write(storeFile{Players: []storedRecord{}}); werr != nil {
			return nil, werr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f storeFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("player store %s: %w", s.path, err)
	}
	out := make([]*Record, 0, len(f.Players))
	for _, p := range f.Players {
		out = append(out, &Record{
			LocalID:       p.LocalID,
			RegistryID:    p.RegistryID,
			Name:          p.Name,
			FirstJoinName: p.FirstJoinName,
			Category:      p.Category,
			FirstJoinAt:   fromMillis(p.FirstJoinAt),
			LastSeenAt:    fromMillis(p.LastSeenAt),
			Accumulated:   time.Duration(p.AccumulatedPlaytime) * time.Millisecond,
			Stale:         true, // cache-derived until the channel confirms
		})
	}
	return out, nil
}

// Save writes all records. Playtime of records currently online includes
// the running session so a crash never loses more than one tick.
func (s *Store) Save(records []*Record, now time.Time) error {
	f := storeFile{Players: make([]storedRecord, 0, len(records))}
	for _, r := range records {
		f.Players = append(f.Players, storedRecord{
			LocalID:             r.LocalID,
			RegistryID:          r.RegistryID,
			Name:                r.Name,
			FirstJoinName:       r.FirstJoinName,
			FirstJoinAt:         toMillis(r.FirstJoinAt),
			LastSeenAt:          toMillis(r.LastSeenAt),
			AccumulatedPlaytime: r.Playtime(now).Milliseconds(),
			Category:            r.Category,
		})
	}
	return s.write(f)
}

func (s *Store) write(f storeFile) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
