package registry

import (
	"sort"
	"strings"
	"time"
)

// Snapshot 是注册表在某一时刻的只读副本。调用方持有的是值拷贝，
// 之后的注册或禁用不会影响已经拿到的快照。
type Snapshot struct {
	agents  []Agent
	takenAt time.Time
}

// NewSnapshot 复制 agents 构造快照。
func NewSnapshot(agents []Agent, takenAt time.Time) Snapshot {
	copied := make([]Agent, len(agents))
	for i, a := range agents {
		copied[i] = a.clone()
	}
	sort.Slice(copied, func(i, j int) bool { return copied[i].ID < copied[j].ID })
	return Snapshot{agents: copied, takenAt: takenAt}
}

// TakenAt 返回快照时间。
func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// Len 返回代理数量。
func (s Snapshot) Len() int { return len(s.agents) }

// Agents 返回全部代理的副本。
func (s Snapshot) Agents() []Agent {
	out := make([]Agent, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.clone()
	}
	return out
}

// Get 按 ID 查找代理。
func (s Snapshot) Get(id int64) (Agent, bool) {
	for _, a := range s.agents {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return Agent{}, false
}

// Named 按名称查找代理，忽略大小写。
func (s Snapshot) Named(name string) (Agent, bool) {
	for _, a := range s.agents {
		if strings.EqualFold(a.Name, name) {
			return a.clone(), true
		}
	}
	return Agent{}, false
}

// Capable 返回具备能力标签且已启用的代理。
func (s Snapshot) Capable(tag string) []Agent {
	var out []Agent
	for _, a := range s.agents {
		if a.Enabled && a.HasCapability(tag) {
			out = append(out, a.clone())
		}
	}
	return out
}

// Best 选择成功率最高的可用代理，成功率相同时取 ID 最小者。exclude 中的代理被跳过。
func (s Snapshot) Best(tag string, exclude ...int64) (Agent, bool) {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var (
		best  Agent
		found bool
	)
	for _, a := range s.Capable(tag) {
		if _, ok := skip[a.ID]; ok {
			continue
		}
		if !found || a.Metrics.SuccessRate() > best.Metrics.SuccessRate() {
			best = a
			found = true
		}
	}
	return best, found
}
