package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/llm"
	"AgentNexus/internal/observability/alerting"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/tasklog"
	"AgentNexus/internal/validation"
	"AgentNexus/internal/worker"
)

type taskRun struct {
	task *plan.Task
	done chan struct{}
}

// dispatch 为每个任务启动一个 goroutine：先等待前置任务结束，再占用信号量执行。
func (m *Manager) dispatch(ctx context.Context, r *run, p *plan.Plan) {
	runs := make(map[string]*taskRun, len(p.Tasks))
	for _, task := range p.Tasks {
		runs[task.ID] = &taskRun{task: task, done: make(chan struct{})}
	}
	sem := semaphore.NewWeighted(m.maxWorkers)

	var g errgroup.Group
	for _, task := range p.Tasks {
		tr := runs[task.ID]
		g.Go(func() error {
			defer close(tr.done)
			m.runTask(ctx, r, tr, runs, sem)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) runTask(ctx context.Context, r *run, tr *taskRun, runs map[string]*taskRun, sem *semaphore.Weighted) {
	task := tr.task

	var prior []llm.ContextItem
	for _, dep := range task.DependsOn {
		prereq, ok := runs[dep]
		if !ok {
			continue
		}
		select {
		case <-prereq.done:
		case <-ctx.Done():
			m.failTask(ctx, r, task, cancelledErr(ctx.Err()), nil)
			return
		}
		if prereq.task.Status != plan.StatusCompleted {
			err := xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("prerequisite task %s (%s) did not complete", prereq.task.ID, prereq.task.Category),
				xerrors.WithMetadata("prerequisite", prereq.task.ID))
			m.failTask(ctx, r, task, err, nil)
			return
		}
		prior = append(prior, llm.ContextItem{Label: "prerequisite " + prereq.task.Category, Content: prereq.task.Result()})
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		m.failTask(ctx, r, task, cancelledErr(err), nil)
		return
	}
	defer sem.Release(1)

	m.transition(ctx, r, task, plan.StatusInProgress, "")
	tried := []int64{}
	var attempted []string
	reassignments := 0
	for {
		agent, ok := r.snapshot.Get(task.AssignedAgentID)
		if !ok || !agent.Enabled {
			err := xerrors.New(xerrors.CodeNoCapableAgent,
				fmt.Sprintf("assigned agent %d is not available", task.AssignedAgentID))
			m.failTask(ctx, r, task, err, attempted)
			return
		}
		tried = append(tried, agent.ID)

		outcome, err := m.worker.Invoke(ctx, task, agent, worker.Context{
			WorkflowID: r.id,
			SessionID:  task.SessionID,
			UserID:     r.request.UserID,
			Extra:      prior,
		})
		if outcome != nil {
			task.Attempts += outcome.Attempts
			task.Substeps = outcome.Substeps
			r.addTokens(outcome.TokensUsed)
			m.recordOutcome(ctx, r, agent, outcome, err == nil)
			attempted = append(attempted, fmt.Sprintf("agent %s: %d attempt(s)", agent.Name, outcome.Attempts))
		}
		if err == nil {
			task.LastError = ""
			m.transition(ctx, r, task, plan.StatusCompleted, "")
			return
		}
		task.LastError = err.Error()
		if ctx.Err() != nil || xerrors.CodeOf(err) == xerrors.CodeCancelled {
			m.failTask(ctx, r, task, cancelledErr(err), attempted)
			return
		}

		alt, reassign := m.escalate(ctx, r, task, err, tried, reassignments)
		if !reassign {
			m.failTask(ctx, r, task, err, attempted)
			return
		}
		reassignments++
		attempted = append(attempted, fmt.Sprintf("reassigned to %s", alt.Name))
		task.AssignedAgentID = alt.ID
		task.Substeps = resetSubsteps(task.Substeps)
	}
}

// escalate 记录升级并询问复核代理是否改派。返回可改派的代理。
func (m *Manager) escalate(ctx context.Context, r *run, task *plan.Task, cause error, tried []int64, reassignments int) (registry.Agent, bool) {
	r.mu.Lock()
	r.escalations++
	r.mu.Unlock()
	if err := r.machine.advance(StateEscalated, fmt.Sprintf("task %s: %s", task.ID, xerrors.CodeOf(cause))); err != nil {
		r.logger.Error("工作流状态迁移非法", slog.Any("error", err))
	}
	m.appendLog(ctx, r, &tasklog.Entry{
		TaskID:   task.ID,
		AgentID:  task.AssignedAgentID,
		Kind:     tasklog.KindEscalation,
		Status:   task.Status,
		Substeps: append([]plan.Substep(nil), task.Substeps...),
		Input:    task.Summary,
		Reason:   cause.Error(),
		Attempts: task.Attempts,
		Metadata: map[string]string{"code": string(xerrors.CodeOf(cause))},
	})
	m.alert(ctx, r, task, cause)

	resolution := "reported"
	defer func() {
		if m.observer != nil {
			m.observer.Escalated(string(xerrors.CodeOf(cause)), resolution)
		}
	}()

	var (
		alt registry.Agent
		ok  bool
	)
	if reassignments < m.maxReassignments {
		alt, ok = r.snapshot.Best(task.CapabilityTag, tried...)
		if !ok {
			r.logger.Warn("没有可改派的代理", slog.String("task_id", task.ID), slog.String("capability", task.CapabilityTag))
		}
	}
	// 无论能否改派，都把失败交给复核代理，留下复核记录。
	verdict, err := m.review(ctx, r, validation.PlanReview, escalationPayload(task, cause, tried, ok))
	if !ok {
		return registry.Agent{}, false
	}
	if err != nil || !verdict.Approved {
		resolution = "declined"
		return registry.Agent{}, false
	}
	if err := r.machine.advance(StateDelegating, fmt.Sprintf("task %s reassigned to agent %d", task.ID, alt.ID)); err != nil {
		r.logger.Error("工作流状态迁移非法", slog.Any("error", err))
	}
	resolution = "reassigned"
	r.logger.Info("任务已改派",
		slog.String("task_id", task.ID),
		slog.Int64("from_agent", task.AssignedAgentID),
		slog.Int64("to_agent", alt.ID))
	return alt, true
}

func (m *Manager) alert(ctx context.Context, r *run, task *plan.Task, cause error) {
	if m.alerts == nil {
		return
	}
	event := alerting.FromError(cause, r.id, task.ID)
	event.AgentID = task.AssignedAgentID
	event.Attempts = task.Attempts
	event.MaxRetries = m.maxRetries
	event.Metadata = map[string]string{"capability": task.CapabilityTag}
	if err := m.alerts.Notify(ctx, event); err != nil {
		r.logger.Warn("发送告警失败", slog.Any("error", err))
	}
}

func (m *Manager) recordOutcome(ctx context.Context, r *run, agent registry.Agent, outcome *worker.Outcome, success bool) {
	err := m.registry.RecordOutcome(context.WithoutCancel(ctx), agent.ID, registry.Outcome{
		Success: success,
		Errors:  outcome.Errors,
		Latency: outcome.Duration,
	})
	if err != nil {
		r.logger.Warn("更新代理指标失败",
			slog.Int64("agent_id", agent.ID),
			slog.String("code", string(xerrors.CodePersistenceFailure)),
			slog.Any("error", err))
	}
}

// failTask 把任务置为 failed，并生成结构化的失败报告。
func (m *Manager) failTask(ctx context.Context, r *run, task *plan.Task, err error, attempted []string) {
	task.LastError = err.Error()
	m.transition(ctx, r, task, plan.StatusFailed, err.Error())
	r.addError(xerrors.NewReport(task.ID, task.Summary, err, attempted, ""))
}

func cancelledErr(err error) error {
	if xerrors.CodeOf(err) == xerrors.CodeCancelled {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCancelled, err, "task cancelled")
}

func resetSubsteps(steps []plan.Substep) []plan.Substep {
	out := make([]plan.Substep, len(steps))
	for i, s := range steps {
		out[i] = plan.Substep{StepName: s.StepName, Status: plan.SubstepPending}
	}
	return out
}
