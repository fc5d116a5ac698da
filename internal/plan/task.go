package plan

import (
	"fmt"
	"time"

	xerrors "AgentNexus/internal/errors"
)

// TaskStatus 表示子任务在生命周期中的状态。
type TaskStatus string

const (
	StatusPending               TaskStatus = "pending"
	StatusInProgress            TaskStatus = "in_progress"
	StatusClarificationRequired TaskStatus = "clarification_required"
	StatusCompleted             TaskStatus = "completed"
	StatusFailed                TaskStatus = "failed"
)

// SubstepStatus 表示子步骤状态。
type SubstepStatus string

const (
	SubstepPending    SubstepStatus = "pending"
	SubstepInProgress SubstepStatus = "in_progress"
	SubstepCompleted  SubstepStatus = "completed"
	SubstepError      SubstepStatus = "error"
)

// Substep 是工作代理一次调用产出的执行步骤。
type Substep struct {
	StepName            string        `json:"step_name"`
	Status              SubstepStatus `json:"status"`
	Result              string        `json:"result,omitempty"`
	ImplementationProof string        `json:"implementation_proof,omitempty"`
}

// Task 是由分解器生成、由编排器持有的子任务。
type Task struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	SessionID       string     `json:"session_id,omitempty"`
	Summary         string     `json:"summary"`
	Category        string     `json:"category"`
	CapabilityTag   string     `json:"capability_tag"`
	AssignedAgentID int64      `json:"assigned_agent_id"`
	Status          TaskStatus `json:"status"`
	Substeps        []Substep  `json:"substeps"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusClarificationRequired, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition 判断状态迁移是否合法。completed 与 failed 为终态。
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition 执行状态迁移，非法迁移返回 INVALID_TRANSITION。
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", t.ID, t.Status, to),
			xerrors.WithMetadata("task_id", t.ID))
	}
	t.Status = to
	if to == StatusCompleted || to == StatusFailed {
		ts := now.UTC()
		t.CompletedAt = &ts
	}
	return nil
}

// Terminal 判断任务是否已结束。
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Clone 返回深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Substeps = append([]Substep(nil), t.Substeps...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Result 拼接已完成子步骤的结果。
func (t *Task) Result() string {
	var out string
	for _, step := range t.Substeps {
		if step.Status != SubstepCompleted || step.Result == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += step.Result
	}
	return out
}
