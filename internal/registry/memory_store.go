package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore 在内存中维护名册，所有写操作在同一把锁下串行执行。
type MemoryStore struct {
	mu     sync.Mutex
	agents map[int64]*Agent
	nextID int64
	now    func() time.Time
}

// NewMemoryStore 创建内存名册。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[int64]*Agent), now: time.Now}
}

// List 返回全部代理的副本，按 ID 排序。
func (s *MemoryStore) List(ctx context.Context) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get 返回代理副本。
func (s *MemoryStore) Get(ctx context.Context, id int64) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	c := a.clone()
	return &c, nil
}

// Upsert 按名称注册或更新代理。
func (s *MemoryStore) Upsert(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return ErrAgentNotFound
	}
	if err := agent.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, existing := range s.agents {
		if strings.EqualFold(existing.Name, agent.Name) {
			existing.Description = agent.Description
			existing.SystemPrompt = agent.SystemPrompt
			existing.CapabilityTags = append([]string(nil), agent.CapabilityTags...)
			existing.Enabled = agent.Enabled
			existing.TeamID = agent.TeamID
			existing.UpdatedAt = now
			*agent = existing.clone()
			return nil
		}
	}
	s.nextID++
	stored := agent.clone()
	stored.ID = s.nextID
	stored.Metrics = Metrics{}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.agents[stored.ID] = &stored
	*agent = stored.clone()
	return nil
}

// SetEnabled 修改启用状态。
func (s *MemoryStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Enabled = enabled
	a.UpdatedAt = s.now().UTC()
	return nil
}

// RecordOutcome 在锁内累加计数。
func (s *MemoryStore) RecordOutcome(ctx context.Context, id int64, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if outcome.Success {
		a.Metrics.TasksCompleted++
	} else {
		a.Metrics.TasksFailed++
	}
	a.Metrics.ErrorCount += int64(outcome.Errors)
	a.Metrics.TotalLatencyMs += outcome.Latency.Milliseconds()
	return nil
}

var _ Store = (*MemoryStore)(nil)
