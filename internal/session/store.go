package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/agentwire/sdk-go/internal/util"
)

// SnapshotTTL bounds how old a persisted session may be before connect
// ignores it.
const SnapshotTTL = 24 * time.Hour

// Snapshot is one persisted session identity with its offsets.
type Snapshot struct {
	SessionID      string `json:"sessionId"`
	GlobalOffset   *int64 `json:"globalOffset"`
	LocalOffset    *int64 `json:"localOffset"`
	ConnectionTime int64  `json:"connectionTime"`
	LastUsed       int64  `json:"lastUsed"`
}

// valid checks self-consistency: identity present, both offsets present
// and non-negative, timestamps not regressing, entry within TTL.
func (s *Snapshot) valid(now time.Time) bool {
	switch {
	case s.SessionID == "":
		return false
	case s.GlobalOffset == nil || s.LocalOffset == nil:
		return false
	case *s.GlobalOffset < 0 || *s.LocalOffset < 0:
		return false
	case s.ConnectionTime > s.LastUsed:
		return false
	case now.UnixMilli()-s.LastUsed > SnapshotTTL.Milliseconds():
		return false
	}
	return true
}

// Store persists snapshots in one sessions.json file, keyed by
// "<channelId>::<agentName>". Writes go through a temp file and rename so
// concurrent readers never see a torn file.
type Store struct {
	path string
	clk  clock.Clock
	mu   sync.Mutex
}

// DefaultStorePath is sessions.json under the user's SDK storage root.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agentwire", "sessions.json")
}

// NewStore opens a store at path; empty means DefaultStorePath.
func NewStore(path string, clk clock.Clock) *Store {
	if path == "" {
		path = DefaultStorePath()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{path: path, clk: clk}
}

func snapshotKey(channelID, agentName string) string {
	return channelID + "::" + agentName
}

func (s *Store) readAll() map[string]Snapshot {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]Snapshot{}
	}
	var all map[string]Snapshot
	if err := json.Unmarshal(b, &all); err != nil {
		log.Debugf("session store unreadable, starting empty: %v", err)
		return map[string]Snapshot{}
	}
	return all
}

// Load returns the snapshot for (channelID, agentName) if one exists and
// passes validation. Invalid or expired entries are treated as absent.
func (s *Store) Load(channelID, agentName string) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.readAll()[snapshotKey(channelID, agentName)]
	if !ok || !snap.valid(s.clk.Now()) {
		return nil, false
	}
	return &snap, true
}

// Save upserts the snapshot, stamping LastUsed.
func (s *Store) Save(channelID, agentName string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.LastUsed = s.clk.Now().UnixMilli()
	all := s.readAll()
	all[snapshotKey(channelID, agentName)] = snap
	return util.WriteJSONFileAtomic(s.path, all)
}

// Delete drops the snapshot for (channelID, agentName) if present.
func (s *Store) Delete(channelID, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.readAll()
	key := snapshotKey(channelID, agentName)
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return util.WriteJSONFileAtomic(s.path, all)
}
