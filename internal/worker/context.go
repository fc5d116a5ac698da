package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/llm"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/tasklog"
)

// assembleContext 读取会话记忆、代理记忆与该代理最近的调用记录。读取失败不影响调用。
func (i *Invoker) assembleContext(ctx context.Context, agent registry.Agent, ictx Context) []llm.ContextItem {
	var items []llm.ContextItem

	if i.memory != nil {
		seen := make(map[string]struct{})
		queries := []memory.Query{
			{UserID: ictx.UserID, SessionID: ictx.SessionID, LatestOnly: true, Limit: i.memoryDepth},
			{UserID: ictx.UserID, AgentID: agent.ID, Tags: agent.CapabilityTags, LatestOnly: true, Limit: i.memoryDepth},
		}
		for _, q := range queries {
			if q.SessionID == "" && q.AgentID == 0 {
				continue
			}
			snaps, err := i.memory.Query(ctx, q)
			if err != nil {
				i.logger.Warn("读取记忆失败", slog.Int64("agent_id", agent.ID), slog.Any("error", err))
				continue
			}
			for _, s := range snaps {
				if _, ok := seen[s.ID]; ok || len(seen) >= i.memoryDepth {
					continue
				}
				seen[s.ID] = struct{}{}
				items = append(items, llm.ContextItem{Label: "memory " + s.Key, Content: string(s.Value)})
			}
		}
	}

	if i.log != nil {
		entries, err := i.log.List(ctx, tasklog.Filter{
			AgentID: agent.ID,
			UserID:  ictx.UserID,
			Kinds:   []tasklog.Kind{tasklog.KindTrace},
			Limit:   i.logDepth,
		})
		if err != nil {
			i.logger.Warn("读取任务日志失败", slog.Int64("agent_id", agent.ID), slog.Any("error", err))
		}
		for _, e := range entries {
			if e.Output == "" {
				continue
			}
			items = append(items, llm.ContextItem{Label: "history " + e.Input, Content: e.Output})
		}
	}
	return items
}

// trace 为一次子步骤调用写入日志条目。
func (i *Invoker) trace(ctx context.Context, outcome *Outcome, task *plan.Task, agent registry.Agent, ictx Context,
	req llm.Request, output string, step plan.Substep, attempts int, took time.Duration, reason string) {
	entry := tasklog.Entry{
		WorkflowID: ictx.WorkflowID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
		UserID:     ictx.UserID,
		SessionID:  ictx.SessionID,
		Kind:       tasklog.KindTrace,
		Substeps:   []plan.Substep{step},
		Input:      truncate(req.TaskDescription, 200),
		Output:     output,
		Reason:     reason,
		Attempts:   attempts,
		DurationMs: took.Milliseconds(),
	}
	if i.log != nil {
		// 取消后仍需留下最后一条轨迹。
		if err := i.log.Append(context.WithoutCancel(ctx), &entry); err != nil {
			i.persistenceFailure("写入任务日志失败", task, err)
		}
	}
	outcome.Logs = append(outcome.Logs, entry)
}

// remember 把各子步骤的洞察写成新的记忆快照，从不修改已有快照。
// 同一 key 出现多次时保留最后一次的值。
func (i *Invoker) remember(ctx context.Context, outcome *Outcome, task *plan.Task, agent registry.Agent, ictx Context, insights []llm.Insight) {
	var expires *time.Time
	if i.memoryTTL > 0 {
		ts := i.now().Add(i.memoryTTL).UTC()
		expires = &ts
	}

	latest := make(map[string]int, len(insights))
	for idx, insight := range insights {
		latest[insight.Key] = idx
	}
	var snaps []memory.Snapshot
	for idx, insight := range insights {
		if latest[insight.Key] != idx {
			continue
		}
		tags := append([]string{task.CapabilityTag}, insight.Tags...)
		snaps = append(snaps, memory.Snapshot{
			AgentID:    agent.ID,
			UserID:     ictx.UserID,
			SessionID:  ictx.SessionID,
			MemoryType: memory.TypeInsight,
			Key:        insight.Key,
			Value:      json.RawMessage(insight.Value),
			Tags:       registry.NormalizeTags(tags),
			ExpiresAt:  expires,
		})
	}
	if len(snaps) == 0 {
		value, _ := json.Marshal(map[string]string{
			"task_id": task.ID,
			"summary": task.Summary,
			"result":  truncate((&plan.Task{Substeps: outcome.Substeps}).Result(), 2000),
		})
		snaps = append(snaps, memory.Snapshot{
			AgentID:    agent.ID,
			UserID:     ictx.UserID,
			SessionID:  ictx.SessionID,
			MemoryType: memory.TypeTaskResult,
			Key:        fmt.Sprintf("task/%s/result", task.Category),
			Value:      value,
			Tags:       registry.NormalizeTags([]string{task.CapabilityTag}),
			ExpiresAt:  expires,
		})
	}

	for k := range snaps {
		snap := snaps[k]
		if i.memory != nil {
			if err := i.memory.Append(ctx, &snap); err != nil {
				i.persistenceFailure("写入记忆失败", task, err)
				continue
			}
		}
		outcome.MemoryDelta = append(outcome.MemoryDelta, snap)
	}
}

func (i *Invoker) persistenceFailure(msg string, task *plan.Task, err error) {
	wrapped := xerrors.Wrap(xerrors.CodePersistenceFailure, err, msg)
	i.logger.Warn(msg,
		slog.String("task_id", task.ID),
		slog.String("code", string(wrapped.Code())),
		slog.Any("error", err))
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
