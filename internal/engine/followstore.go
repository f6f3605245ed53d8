package engine

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/bryan-buckman/followsync/internal/model"
)

// FollowStore is the authoritative set of follows plus their synced projection.
// Follows keep insertion order; Get and List hand out copies so callers never
// mutate stored follows in place.
type FollowStore struct {
	mu      sync.RWMutex
	order   []string
	follows map[string]*model.Follow
	common  *model.Snapshot
}

func NewFollowStore() *FollowStore {
	return &FollowStore{
		follows: make(map[string]*model.Follow),
		common:  model.NewSnapshot(),
	}
}

// Load replaces all follows with list, keeping its order. Follows without an id
// or repeating an earlier id are dropped.
func (s *FollowStore) Load(list []*model.Follow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.follows = make(map[string]*model.Follow, len(list))
	for _, f := range list {
		if f == nil || f.ID == "" {
			continue
		}
		if _, dup := s.follows[f.ID]; dup {
			continue
		}
		s.order = append(s.order, f.ID)
		s.follows[f.ID] = f.Clone()
	}
}

func (s *FollowStore) Get(id string) (*model.Follow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.follows[id]
	return f.Clone(), ok
}

func (s *FollowStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.follows[id]
	return ok
}

// Put inserts or replaces f. New ids go to the end of the order.
func (s *FollowStore) Put(f *model.Follow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.follows[f.ID]; !ok {
		s.order = append(s.order, f.ID)
	}
	s.follows[f.ID] = f.Clone()
}

// Replace stores f only if its id is still present.
func (s *FollowStore) Replace(f *model.Follow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.follows[f.ID]; !ok {
		return false
	}
	s.follows[f.ID] = f.Clone()
	return true
}

func (s *FollowStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.follows[id]; !ok {
		return false
	}
	delete(s.follows, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return true
}

// IDs lists follow ids in insertion order.
func (s *FollowStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// List copies all follows in insertion order.
func (s *FollowStore) List() []*model.Follow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Follow, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.follows[id].Clone())
	}
	return out
}

func (s *FollowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.follows)
}

// --- Synced projection ---

func (s *FollowStore) Synced(id string) (model.SyncedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.common.Follows[id]
	return rec, ok
}

// SeedSynced records rec as the first-seen baseline for id. It reports false and
// changes nothing when a baseline already exists.
func (s *FollowStore) SeedSynced(id string, rec model.SyncedRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.common.Follows[id]; ok {
		return false
	}
	rec.Tags = slices.Clone(rec.Tags)
	s.common.Follows[id] = rec
	return true
}

func (s *FollowStore) SetSynced(id string, rec model.SyncedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Tags = slices.Clone(rec.Tags)
	s.common.Follows[id] = rec
}

// Notify writes the projection of f into the synced snapshot.
func (s *FollowStore) Notify(f *model.Follow) {
	s.SetSynced(f.ID, model.SyncedFromFollow(f))
}

// Tombstone marks id deleted in the synced snapshot. Tombstones are never removed.
func (s *FollowStore) Tombstone(id string, at time.Time) {
	s.SetSynced(id, model.Tombstone(at))
}

func (s *FollowStore) MergeIndex(idx map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range idx {
		s.common.Index[k] = slices.Clone(v)
	}
}

// Snapshot copies the synced snapshot.
func (s *FollowStore) Snapshot() *model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.common.Clone()
}
