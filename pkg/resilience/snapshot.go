package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// RedactedPlaceholder replaces captured state in debug exports
const RedactedPlaceholder = "[REDACTED]"

// Snapshot is the serialized state of one component. It is never modified
// after creation; a newer snapshot of the same name replaces it.
type Snapshot struct {
	Name      string    `json:"name"`
	Data      []byte    `json:"-"`
	Checksum  uint64    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotInfo describes a snapshot without its payload
type SnapshotInfo struct {
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
}

// SnapshotStore keeps the latest snapshot per name
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
	now   func() time.Time
}

// NewSnapshotStore creates an empty store
func NewSnapshotStore(now func() time.Time) *SnapshotStore {
	if now == nil {
		now = time.Now
	}
	return &SnapshotStore{snaps: make(map[string]*Snapshot), now: now}
}

func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Capture serializes state and stores it with its checksum. The serialized
// bytes are the deep copy; later mutation of state does not reach them.
func (s *SnapshotStore) Capture(name string, state interface{}) (*Snapshot, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state for %s: %w", name, err)
	}

	snap := &Snapshot{
		Name:      name,
		Data:      data,
		Checksum:  checksum(data),
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.snaps[name] = snap
	s.mu.Unlock()
	return snap, nil
}

// Restore verifies the checksum and decodes the stored state into out
func (s *SnapshotStore) Restore(name string, out interface{}) error {
	s.mu.RLock()
	snap, ok := s.snaps[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no snapshot for %s", name)
	}

	if got := checksum(snap.Data); got != snap.Checksum {
		return fmt.Errorf("snapshot for %s is corrupted: checksum %x, want %x", name, got, snap.Checksum)
	}

	if err := json.Unmarshal(snap.Data, out); err != nil {
		return fmt.Errorf("failed to decode snapshot for %s: %w", name, err)
	}
	return nil
}

// Has reports whether a snapshot exists for name
func (s *SnapshotStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snaps[name]
	return ok
}

// Len returns the number of stored snapshots
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Describe lists snapshots with the payload replaced by a placeholder
func (s *SnapshotStore) Describe() []SnapshotInfo {
	s.mu.RLock()
	out := make([]SnapshotInfo, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, SnapshotInfo{
			Name:      snap.Name,
			Checksum:  fmt.Sprintf("%016x", snap.Checksum),
			Size:      len(snap.Data),
			CreatedAt: snap.CreatedAt,
			State:     RedactedPlaceholder,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear drops every snapshot
func (s *SnapshotStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = make(map[string]*Snapshot)
}
