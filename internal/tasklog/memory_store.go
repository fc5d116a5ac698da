package tasklog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 在内存中保存日志。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	seq     int64
	now     func() time.Time
}

// NewMemoryStore 创建内存日志。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Append 追加条目。
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assign(entry)
	s.entries = append(s.entries, entry.Clone())
	return nil
}

func (s *MemoryStore) assign(entry *Entry) {
	s.seq++
	entry.Seq = s.seq
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
}

// List 返回满足条件的条目副本。
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectEntries(s.entries, filter), nil
}

func selectEntries(entries []Entry, filter Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
