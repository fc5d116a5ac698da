package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentNexus/internal/decomposer"
	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/observability/alerting"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/session"
	"AgentNexus/internal/tasklog"
	"AgentNexus/internal/validation"
	"AgentNexus/internal/worker"
	"AgentNexus/pkg/logger"
)

// Registry 提供代理快照并记录调用结果。
type Registry interface {
	Snapshot(ctx context.Context) (registry.Snapshot, error)
	RecordOutcome(ctx context.Context, id int64, outcome registry.Outcome) error
}

// Decomposer 把请求拆分为计划。
type Decomposer interface {
	Decompose(ctx context.Context, request string, snapshot registry.Snapshot, opts ...decomposer.DecomposeOption) (*plan.Plan, error)
}

// Reviewer 提交计划或结果复核。
type Reviewer interface {
	Review(ctx context.Context, snapshot registry.Snapshot, reviewType validation.ReviewType, payload validation.Payload) (validation.Verdict, error)
}

// Worker 执行单个任务。
type Worker interface {
	Invoke(ctx context.Context, task *plan.Task, agent registry.Agent, ictx worker.Context) (*worker.Outcome, error)
}

// Observer 接收工作流指标。
type Observer interface {
	WorkflowFinished(state string, duration time.Duration, tokens int)
	TaskFinished(category, status string)
	Escalated(code, resolution string)
}

var (
	_ Registry   = (*registry.Service)(nil)
	_ Decomposer = (*decomposer.Decomposer)(nil)
	_ Reviewer   = (*validation.Gate)(nil)
	_ Worker     = (*worker.Invoker)(nil)
)

const (
	defaultMaxWorkers       = 4
	defaultMaxReassignments = 1
)

// Manager 是编排器的入口。
type Manager struct {
	registry         Registry
	decomposer       Decomposer
	gate             Reviewer
	worker           Worker
	memory           memory.Store
	log              tasklog.Store
	sessions         *session.Manager
	alerts           alerting.Dispatcher
	observer         Observer
	maxWorkers       int64
	maxReassignments int
	maxRetries       int
	requestTimeout   time.Duration
	managerAgentID   int64
	now              func() time.Time
	logger           *slog.Logger
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithMaxWorkers 设置同一工作流内并发执行的任务上限。
func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = int64(n)
		}
	}
}

// WithMaxReassignments 设置单个任务升级后最多改派的次数，0 表示只上报不改派。
func WithMaxReassignments(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxReassignments = n
		}
	}
}

// WithMaxRetries 记录工作代理的重试预算，用于告警内容。
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithRequestTimeout 设置单个工作流的总超时。
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.requestTimeout = d }
}

// WithManagerAgent 设置以 Manager 身份发起复核时使用的代理 ID。
func WithManagerAgent(id int64) Option {
	return func(m *Manager) { m.managerAgentID = id }
}

// WithMemory 设置会话摘要写入的记忆存储。
func WithMemory(store memory.Store) Option {
	return func(m *Manager) { m.memory = store }
}

// WithTaskLog 设置任务日志存储。
func WithTaskLog(store tasklog.Store) Option {
	return func(m *Manager) { m.log = store }
}

// WithSessions 设置会话管理器。
func WithSessions(s *session.Manager) Option {
	return func(m *Manager) { m.sessions = s }
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithObserver 设置指标接收者。
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock 设置时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New 创建 Manager。
func New(reg Registry, dec Decomposer, gate Reviewer, wk Worker, opts ...Option) *Manager {
	m := &Manager{
		registry:         reg,
		decomposer:       dec,
		gate:             gate,
		worker:           wk,
		maxWorkers:       defaultMaxWorkers,
		maxReassignments: defaultMaxReassignments,
		now:              time.Now,
		logger:           logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// run 保存一个工作流执行期间的共享状态。
type run struct {
	id       string
	request  Request
	session  *session.Session
	machine  *machine
	snapshot registry.Snapshot
	logger   *slog.Logger

	mu          sync.Mutex
	tokens      int
	escalations int
	errors      []xerrors.Report
}

func (r *run) addTokens(n int) {
	r.mu.Lock()
	r.tokens += n
	r.mu.Unlock()
}

func (r *run) addError(rep xerrors.Report) {
	r.mu.Lock()
	r.errors = append(r.errors, rep)
	r.mu.Unlock()
}

// Handle 处理一次用户请求并返回报告。EMPTY_REQUEST、NO_CAPABLE_AGENT 等终止性错误
// 会同时返回状态为 failed 的报告与错误。
func (m *Manager) Handle(ctx context.Context, req Request) (*Report, error) {
	start := m.now()
	if m.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.requestTimeout)
		defer cancel()
	}

	r := &run{id: uuid.NewString(), request: req, machine: newMachine(m.now)}
	report := &Report{WorkflowID: r.id, Request: req.Message, StartedAt: start.UTC()}
	r.logger = logger.Workflow(m.logger, r.id, req.SessionID)

	if strings.TrimSpace(req.Message) == "" {
		err := xerrors.New(xerrors.CodeEmptyRequest, "request must not be empty")
		return m.abort(ctx, r, report, nil, err)
	}

	if m.sessions != nil {
		s, err := m.sessions.Resolve(ctx, req.UserID, req.SessionID)
		if err != nil {
			return m.abort(ctx, r, report, nil, err)
		}
		r.session = s
		r.logger = logger.Workflow(m.logger, r.id, s.ID)
	}
	sessionID := req.SessionID
	if r.session != nil {
		sessionID = r.session.ID
	}
	report.SessionID = sessionID

	snapshot, err := m.registry.Snapshot(ctx)
	if err != nil {
		return m.abort(ctx, r, report, nil, err)
	}
	r.snapshot = snapshot

	p, err := m.decomposer.Decompose(ctx, req.Message, snapshot, decomposer.WithWorkflow(r.id, sessionID))
	if err != nil {
		return m.abort(ctx, r, report, nil, err)
	}
	if err := r.machine.advance(StateDecomposed, ""); err != nil {
		return m.abort(ctx, r, report, p, err)
	}
	for _, task := range p.Tasks {
		m.logStatus(ctx, r, task, "")
	}

	if p.NeedsClarification {
		for _, task := range p.Tasks {
			m.transition(ctx, r, task, plan.StatusClarificationRequired, p.Clarification)
		}
		_ = r.machine.advance(StateClarificationRequired, p.Clarification)
		report.Clarification = p.Clarification
		return m.finish(ctx, r, report, p, nil), nil
	}

	// 计划复核：被驳回时修订一次，随后无论结论如何都继续执行。
	verdict, err := m.review(ctx, r, validation.PlanReview, planPayload(p))
	if err != nil {
		return m.abort(ctx, r, report, p, err)
	}
	report.PlanReview = &verdict
	if !verdict.Approved {
		r.logger.Info("计划被驳回，按反馈修订", slog.String("feedback", verdict.Feedback))
		revised, derr := m.decomposer.Decompose(ctx, req.Message, snapshot,
			decomposer.WithWorkflow(r.id, sessionID), decomposer.WithFeedback(verdict.Feedback))
		if derr != nil {
			r.logger.Warn("计划修订失败，沿用原计划", slog.Any("error", derr))
		} else {
			for _, task := range p.Tasks {
				m.transition(ctx, r, task, plan.StatusFailed, "superseded by revised plan")
			}
			p = revised
			for _, task := range p.Tasks {
				m.logStatus(ctx, r, task, "revised plan")
			}
			second, rerr := m.review(ctx, r, validation.PlanReview, planPayload(p))
			if rerr != nil {
				return m.abort(ctx, r, report, p, rerr)
			}
			report.PlanReview = &second
		}
	}
	if err := r.machine.advance(StatePlanValidated, report.PlanReview.Feedback); err != nil {
		return m.abort(ctx, r, report, p, err)
	}

	if err := r.machine.advance(StateDelegating, ""); err != nil {
		return m.abort(ctx, r, report, p, err)
	}
	m.dispatch(ctx, r, p)
	if err := ctx.Err(); err != nil {
		return m.abort(ctx, r, report, p, xerrors.Wrap(xerrors.CodeCancelled, err, "workflow cancelled"))
	}
	if err := r.machine.advance(StateResultsCollected, ""); err != nil {
		return m.abort(ctx, r, report, p, err)
	}

	// 结果复核仅作参考，失败记录在报告中。
	summaries := m.summaries(r, p)
	resultVerdict, err := m.review(ctx, r, validation.ResultReview, resultPayload(req.Message, summaries))
	if err != nil {
		r.addError(xerrors.NewReport("", "result review", err, nil, ""))
	} else {
		report.ResultReview = &resultVerdict
	}
	if err := r.machine.advance(StateResultValidated, ""); err != nil {
		return m.abort(ctx, r, report, p, err)
	}

	if err := r.machine.advance(StateCompleted, ""); err != nil {
		return m.abort(ctx, r, report, p, err)
	}
	return m.finish(ctx, r, report, p, nil), nil
}

func (m *Manager) review(ctx context.Context, r *run, reviewType validation.ReviewType, data any) (validation.Verdict, error) {
	verdict, err := m.gate.Review(ctx, r.snapshot, reviewType, validation.Payload{
		WorkflowID:        r.id,
		RequestingAgentID: m.managerAgentID,
		Data:              data,
	})
	r.addTokens(verdict.TokensUsed)
	if err != nil {
		r.logger.Warn("复核失败",
			slog.String("type", string(reviewType)),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	return verdict, err
}

// abort 以错误结束工作流，未结束的任务全部置为 failed。
func (m *Manager) abort(ctx context.Context, r *run, report *Report, p *plan.Plan, err error) (*Report, error) {
	r.machine.fail(err.Error())
	if p != nil {
		for _, task := range p.Tasks {
			if !task.Terminal() {
				task.LastError = err.Error()
				m.transition(ctx, r, task, plan.StatusFailed, err.Error())
			}
		}
	}
	r.addError(xerrors.NewReport("", r.request.Message, err, nil, ""))
	r.logger.Error("工作流失败",
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	return m.finish(ctx, r, report, p, err), err
}

func (m *Manager) summaries(r *run, p *plan.Plan) []TaskSummary {
	out := make([]TaskSummary, 0, len(p.Tasks))
	for _, task := range p.Tasks {
		name := ""
		if a, ok := r.snapshot.Get(task.AssignedAgentID); ok {
			name = a.Name
		}
		out = append(out, summarize(task, name))
	}
	return out
}

// finish 填充报告，写入会话摘要并上报指标。
func (m *Manager) finish(ctx context.Context, r *run, report *Report, p *plan.Plan, failure error) *Report {
	if p != nil {
		report.Tasks = m.summaries(r, p)
		report.Fallback = p.Fallback
		report.Unassigned = append([]string(nil), p.Unassigned...)
		for _, t := range report.Tasks {
			switch t.Status {
			case plan.StatusCompleted:
				report.TasksCompleted++
			case plan.StatusFailed:
				report.TasksFailed++
			}
		}
	}
	report.State = r.machine.current()
	report.Transitions = r.machine.history()
	report.Response = compose(report.Tasks, report.Clarification)

	r.mu.Lock()
	report.TokensUsed = r.tokens
	report.Escalations = r.escalations
	report.Errors = append([]xerrors.Report(nil), r.errors...)
	r.mu.Unlock()
	report.Duration = m.now().Sub(report.StartedAt)

	if failure == nil && report.State == StateCompleted {
		m.rememberSession(ctx, r, report)
	}
	if r.session != nil && m.sessions != nil && ctx.Err() == nil {
		delta := map[string]any{"last_workflow_id": r.id, "last_state": string(report.State)}
		if err := m.sessions.Touch(ctx, r.session, r.request.Message, delta); err != nil {
			r.logger.Warn("更新会话失败", slog.Any("error", err))
		}
	}
	if m.observer != nil {
		m.observer.WorkflowFinished(string(report.State), report.Duration, report.TokensUsed)
	}

	logger.Audit().Info("工作流结束",
		slog.String("workflow_id", r.id),
		slog.String("session_id", report.SessionID),
		slog.String("user_id", r.request.UserID),
		slog.String("state", string(report.State)),
		slog.Int("tasks_completed", report.TasksCompleted),
		slog.Int("tasks_failed", report.TasksFailed),
		slog.Int("escalations", report.Escalations),
		slog.Int("tokens_used", report.TokensUsed),
		slog.Duration("duration", report.Duration))
	return report
}

// rememberSession 为会话写入一条摘要快照。
func (m *Manager) rememberSession(ctx context.Context, r *run, report *Report) {
	if m.memory == nil {
		return
	}
	value, _ := json.Marshal(map[string]any{
		"workflow_id":     r.id,
		"request":         r.request.Message,
		"response":        report.Response,
		"tasks_completed": report.TasksCompleted,
		"tasks_failed":    report.TasksFailed,
	})
	snap := &memory.Snapshot{
		AgentID:    m.managerAgentID,
		UserID:     r.request.UserID,
		SessionID:  report.SessionID,
		MemoryType: memory.TypeSessionSummary,
		Key:        "session/summary",
		Value:      value,
		Tags:       []string{"session"},
	}
	if err := m.memory.Append(ctx, snap); err != nil {
		r.logger.Warn("写入会话摘要失败",
			slog.String("code", string(xerrors.CodePersistenceFailure)),
			slog.Any("error", err))
	}
}

// transition 推进任务状态并写入任务日志。非法迁移只记录日志。
func (m *Manager) transition(ctx context.Context, r *run, task *plan.Task, to plan.TaskStatus, reason string) {
	if err := task.Transition(to, m.now()); err != nil {
		r.logger.Error("任务状态迁移非法", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	m.logStatus(ctx, r, task, reason)
	if task.Terminal() && m.observer != nil {
		m.observer.TaskFinished(task.Category, string(task.Status))
	}
}

func (m *Manager) logStatus(ctx context.Context, r *run, task *plan.Task, reason string) {
	m.appendLog(ctx, r, &tasklog.Entry{
		TaskID:   task.ID,
		AgentID:  task.AssignedAgentID,
		Kind:     tasklog.KindStatus,
		Status:   task.Status,
		Substeps: append([]plan.Substep(nil), task.Substeps...),
		Input:    task.Summary,
		Reason:   reason,
		Attempts: task.Attempts,
	})
}

func (m *Manager) appendLog(ctx context.Context, r *run, entry *tasklog.Entry) {
	if m.log == nil {
		return
	}
	entry.WorkflowID = r.id
	entry.UserID = r.request.UserID
	if r.session != nil {
		entry.SessionID = r.session.ID
	}
	// 取消后仍需要落盘最终状态。
	if err := m.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("写入任务日志失败",
			slog.String("task_id", entry.TaskID),
			slog.String("code", string(xerrors.CodePersistenceFailure)),
			slog.Any("error", err))
	}
}
