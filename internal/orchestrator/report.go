package orchestrator

import (
	"fmt"
	"strings"
	"time"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/validation"
)

// Request 是一次用户请求。
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// TaskSummary 是报告中的单个任务。
type TaskSummary struct {
	ID              string          `json:"id"`
	Summary         string          `json:"summary"`
	Category        string          `json:"category"`
	CapabilityTag   string          `json:"capability_tag"`
	AssignedAgentID int64           `json:"assigned_agent_id"`
	AgentName       string          `json:"agent_name,omitempty"`
	Status          plan.TaskStatus `json:"status"`
	Result          string          `json:"result,omitempty"`
	Substeps        []plan.Substep  `json:"substeps,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
}

// Report 汇总一次工作流的结果。
type Report struct {
	WorkflowID     string               `json:"workflow_id"`
	SessionID      string               `json:"session_id,omitempty"`
	Request        string               `json:"request"`
	Response       string               `json:"response"`
	State          State                `json:"state"`
	Transitions    []Transition         `json:"transitions"`
	Tasks          []TaskSummary        `json:"tasks"`
	TokensUsed     int                  `json:"tokens_used"`
	TasksCompleted int                  `json:"tasks_completed"`
	TasksFailed    int                  `json:"tasks_failed"`
	Fallback       bool                 `json:"fallback"`
	Unassigned     []string             `json:"unassigned,omitempty"`
	Clarification  string               `json:"clarification,omitempty"`
	Escalations    int                  `json:"escalations"`
	PlanReview     *validation.Verdict  `json:"plan_review,omitempty"`
	ResultReview   *validation.Verdict  `json:"result_review,omitempty"`
	Errors         []xerrors.Report     `json:"errors,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	Duration       time.Duration        `json:"duration"`
}

func summarize(task *plan.Task, agentName string) TaskSummary {
	return TaskSummary{
		ID:              task.ID,
		Summary:         task.Summary,
		Category:        task.Category,
		CapabilityTag:   task.CapabilityTag,
		AssignedAgentID: task.AssignedAgentID,
		AgentName:       agentName,
		Status:          task.Status,
		Result:          task.Result(),
		Substeps:        append([]plan.Substep(nil), task.Substeps...),
		DependsOn:       append([]string(nil), task.DependsOn...),
		Attempts:        task.Attempts,
		LastError:       task.LastError,
	}
}

// compose 把完成的任务结果拼成面向用户的回复。
func compose(tasks []TaskSummary, clarification string) string {
	if clarification != "" {
		return clarification
	}
	var b strings.Builder
	for _, t := range tasks {
		switch t.Status {
		case plan.StatusCompleted:
			fmt.Fprintf(&b, "## %s\n%s\n\n", t.Category, strings.TrimSpace(t.Result))
		case plan.StatusFailed:
			fmt.Fprintf(&b, "## %s\nfailed: %s\n\n", t.Category, t.LastError)
		}
	}
	return strings.TrimSpace(b.String())
}

func planPayload(p *plan.Plan) map[string]any {
	tasks := make([]map[string]any, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, map[string]any{
			"task_id":           t.ID,
			"summary":           t.Summary,
			"capability":        t.CapabilityTag,
			"assigned_agent_id": t.AssignedAgentID,
			"depends_on":        t.DependsOn,
			"substeps":          t.Substeps,
		})
	}
	return map[string]any{
		"kind":       "plan",
		"request":    p.Request,
		"tasks":      tasks,
		"fallback":   p.Fallback,
		"unassigned": p.Unassigned,
	}
}

func resultPayload(request string, tasks []TaskSummary) map[string]any {
	return map[string]any{
		"kind":    "results",
		"request": request,
		"tasks":   tasks,
	}
}

func escalationPayload(task *plan.Task, err error, tried []int64, reassignable bool) map[string]any {
	question := "approve reassigning this task to another agent with the same capability?"
	if !reassignable {
		question = "no other agent can take this task; suggest a new strategy for the user"
	}
	return map[string]any{
		"kind":          "escalation",
		"task_id":       task.ID,
		"summary":       task.Summary,
		"capability":    task.CapabilityTag,
		"failed_agents": tried,
		"error_code":    xerrors.CodeOf(err),
		"error":         err.Error(),
		"reassignable":  reassignable,
		"question":      question,
	}
}
