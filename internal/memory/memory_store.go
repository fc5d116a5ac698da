package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 是进程内的记忆存储实现。
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	byID      map[string]int
	now       func() time.Time
}

// NewMemoryStore 创建内存记忆存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int), now: time.Now}
}

// Append 追加快照，未指定 ID 与创建时间时自动填充。
func (s *MemoryStore) Append(ctx context.Context, snapshot *Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if _, ok := s.byID[snapshot.ID]; ok {
		return ErrSnapshotExists
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now().UTC()
	}
	s.byID[snapshot.ID] = len(s.snapshots)
	s.snapshots = append(s.snapshots, snapshot.Clone())
	return nil
}

// Get 按 ID 读取快照。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	snap := s.snapshots[idx]
	if snap.Expired(s.now()) {
		return nil, ErrSnapshotNotFound
	}
	clone := snap.Clone()
	return &clone, nil
}

// Latest 返回 (agent, key) 的最新版本。
func (s *MemoryStore) Latest(ctx context.Context, agentID int64, key string) (*Snapshot, error) {
	list, err := s.Query(ctx, Query{AgentID: agentID, Key: key, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return &list[0], nil
}

// History 返回 (agent, key) 的全部版本。
func (s *MemoryStore) History(ctx context.Context, agentID int64, key string) ([]Snapshot, error) {
	return s.Query(ctx, Query{AgentID: agentID, Key: key})
}

// Query 按条件检索快照。
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Select(s.snapshots, q, s.now()), nil
}

// Purge 删除已过期的快照。
func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.snapshots[:0]
	removed := 0
	for _, snap := range s.snapshots {
		if snap.Expired(before) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	s.byID = make(map[string]int, len(kept))
	for i, snap := range kept {
		s.byID[snap.ID] = i
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
