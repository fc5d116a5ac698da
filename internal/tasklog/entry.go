package tasklog

import (
	"time"

	"AgentNexus/internal/plan"
)

// Kind 区分日志条目的用途。
type Kind string

const (
	// KindStatus 记录一次任务状态迁移，Replay 只依赖这类条目。
	KindStatus Kind = "status"
	// KindTrace 记录一次工作代理调用的输入输出。
	KindTrace Kind = "trace"
	// KindEscalation 记录升级与改派。
	KindEscalation Kind = "escalation"
)

// Entry 是一条只追加的审计日志。
type Entry struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	WorkflowID string            `json:"workflow_id"`
	TaskID     string            `json:"task_id"`
	AgentID    int64             `json:"agent_id"`
	UserID     string            `json:"user_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Kind       Kind              `json:"kind"`
	Status     plan.TaskStatus   `json:"status,omitempty"`
	Substeps   []plan.Substep    `json:"substeps,omitempty"`
	Input      string            `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone 返回深拷贝。
func (e Entry) Clone() Entry {
	e.Substeps = append([]plan.Substep(nil), e.Substeps...)
	if e.Metadata != nil {
		m := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}

// Filter 描述日志检索条件。
type Filter struct {
	WorkflowID string
	TaskID     string
	AgentID    int64
	UserID     string
	Kinds      []Kind
	// Limit 大于 0 时只返回最近的 Limit 条，结果仍按 Seq 升序。
	Limit int
}

// Matches 判断条目是否满足条件。
func (f Filter) Matches(e Entry) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != 0 && e.AgentID != f.AgentID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if k == e.Kind {
				return true
			}
		}
		return false
	}
	return true
}
