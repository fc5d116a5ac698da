package registry

import (
	"sort"
	"strings"
	"time"

	xerrors "AgentNexus/internal/errors"
)

// Metrics 保存代理的累计表现。只能通过 Store.RecordOutcome 原子更新。
type Metrics struct {
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	ErrorCount     int64 `json:"error_count"`
	TotalLatencyMs int64 `json:"total_latency_ms"`
}

// SuccessRate 返回成功率，未执行过任务时为 0。
func (m Metrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(m.TasksCompleted) / float64(total)
}

// AvgLatency 返回平均耗时。
func (m Metrics) AvgLatency() time.Duration {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0
	}
	return time.Duration(m.TotalLatencyMs/total) * time.Millisecond
}

// Agent 描述名册中的一个工作代理。代理从不删除，只会被禁用。
type Agent struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	CapabilityTags []string  `json:"capability_tags"`
	Enabled        bool      `json:"enabled"`
	TeamID         int64     `json:"team_id,omitempty"`
	Metrics        Metrics   `json:"metrics"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasCapability 判断代理是否具备指定能力标签，比较时忽略大小写。
func (a Agent) HasCapability(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range a.CapabilityTags {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

func (a Agent) clone() Agent {
	a.CapabilityTags = append([]string(nil), a.CapabilityTags...)
	return a
}

// Outcome 是一次调用的结果，用于更新代理指标。
type Outcome struct {
	Success bool
	// Errors 是本次调用期间失败的尝试次数。
	Errors  int
	Latency time.Duration
}

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentInvalid  xerrors.Code = "AGENT_INVALID"
)

var (
	// ErrAgentNotFound 表示代理不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentInvalid, xerrors.Attributes{Message: "agent definition invalid", Severity: xerrors.SeverityInfo})
}

// NormalizeTags 去重、去空白并排序能力标签。
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Validate 检查注册所需字段。
func (a *Agent) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return xerrors.New(CodeAgentInvalid, "agent name is required")
	}
	a.CapabilityTags = NormalizeTags(a.CapabilityTags)
	if len(a.CapabilityTags) == 0 {
		return xerrors.New(CodeAgentInvalid, "agent must declare at least one capability tag",
			xerrors.WithMetadata("agent", a.Name))
	}
	return nil
}
