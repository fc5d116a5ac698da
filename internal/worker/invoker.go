package worker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/llm"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/tasklog"
	"AgentNexus/pkg/logger"
)

const (
	defaultMaxRetries  = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
	defaultMemoryDepth = 10
	defaultLogDepth    = 5
)

// Context 是一次调用可见的外部上下文。
type Context struct {
	WorkflowID string
	SessionID  string
	UserID     string
	// Extra 通常是前置任务的结果。
	Extra []llm.ContextItem
}

// Outcome 汇总一次任务调用的结果。
type Outcome struct {
	TaskID             string
	Status             plan.TaskStatus
	Substeps           []plan.Substep
	Logs               []tasklog.Entry
	MemoryDelta        []memory.Snapshot
	ValidationRequests []string
	TokensUsed         int
	// Attempts 是所有子步骤累计的模型调用次数。
	Attempts int
	// Errors 是失败的调用次数。
	Errors   int
	Duration time.Duration
}

// Invoker 负责组装上下文、调用工作代理并记录结果。
type Invoker struct {
	client      llm.Client
	memory      memory.Store
	log         tasklog.Store
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	timeout     time.Duration
	memoryDepth int
	logDepth    int
	memoryTTL   time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// Option 定义可选的 Invoker 配置。
type Option func(*Invoker)

// WithMaxRetries 设置单次调用的最大尝试次数（含首次）。
func WithMaxRetries(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.maxRetries = n
		}
	}
}

// WithBackoff 设置指数退避的基础时长与上限。
func WithBackoff(base, max time.Duration) Option {
	return func(i *Invoker) {
		if base >= 0 {
			i.backoff = base
		}
		if max > 0 {
			i.maxBackoff = max
		}
	}
}

// WithAttemptTimeout 设置单次尝试的超时时间，0 表示不限制。
func WithAttemptTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d < 0 {
			d = 0
		}
		i.timeout = d
	}
}

// WithMemoryDepth 设置调用时可参考的记忆条数。
func WithMemoryDepth(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.memoryDepth = n
		}
	}
}

// WithLogDepth 设置调用时可参考的历史日志条数。
func WithLogDepth(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.logDepth = n
		}
	}
}

// WithMemoryTTL 为新写入的记忆设置过期时间，0 表示永不过期。
func WithMemoryTTL(d time.Duration) Option {
	return func(i *Invoker) { i.memoryTTL = d }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// New 创建 Invoker。memory 与 log 可以为空，此时跳过对应的读写。
func New(client llm.Client, mem memory.Store, log tasklog.Store, opts ...Option) *Invoker {
	inv := &Invoker{
		client:      client,
		memory:      mem,
		log:         log,
		maxRetries:  defaultMaxRetries,
		backoff:     defaultBackoff,
		maxBackoff:  defaultMaxBackoff,
		memoryDepth: defaultMemoryDepth,
		logDepth:    defaultLogDepth,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      logger.Named("worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// MaxRetries 返回配置的尝试次数上限。
func (i *Invoker) MaxRetries() int { return i.maxRetries }

// Backoff 返回第 n 次重试前的等待时长：base·2^(n-1)，不超过 max。
func Backoff(base, max time.Duration, n int) time.Duration {
	if n <= 0 || base <= 0 {
		return 0
	}
	d := base
	for k := 1; k < n; k++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Invoke 依次执行任务的子步骤。返回的 Outcome 总是非空；失败时 error 说明原因。
func (i *Invoker) Invoke(ctx context.Context, task *plan.Task, agent registry.Agent, ictx Context) (*Outcome, error) {
	start := i.now()
	outcome := &Outcome{TaskID: task.ID, Status: plan.StatusInProgress}

	// 验证必要的组件是否已配置。
	if i.client == nil {
		return i.fail(outcome, start, xerrors.New(xerrors.CodeInitializationFailure, "未配置工作代理客户端"))
	}

	// 加载记忆与历史日志。
	base := i.assembleContext(ctx, agent, ictx)
	base = append(base, ictx.Extra...)

	steps := task.Substeps
	if len(steps) == 0 {
		steps = []plan.Substep{{StepName: task.Category, Status: plan.SubstepPending}}
	}
	var (
		results  []plan.Substep
		insights []llm.Insight
	)

	// 按顺序执行子步骤，前序结果作为后续步骤的上下文。
	for idx, step := range steps {
		prior := append([]llm.ContextItem(nil), base...)
		for _, done := range results {
			prior = append(prior, llm.ContextItem{Label: "step " + done.StepName, Content: done.Result})
		}
		req := llm.Request{
			SystemContext:   systemContext(agent),
			TaskDescription: describe(task, step, idx, len(steps)),
			PriorContext:    prior,
		}

		callStart := i.now()
		out, call, err := i.call(ctx, req)
		outcome.TokensUsed += call.tokens
		outcome.Attempts += call.attempts
		outcome.Errors += call.failures

		if err != nil {
			failed := step
			failed.Status = plan.SubstepError
			failed.Result = err.Error()
			results = append(results, failed)
			results = append(results, pendingRest(steps[idx+1:])...)
			outcome.Substeps = results
			i.trace(ctx, outcome, task, agent, ictx, req, "", failed, call.attempts, i.now().Sub(callStart), err.Error())
			return i.fail(outcome, start, err)
		}

		produced := normalizeSubsteps(step, out)
		results = append(results, produced...)
		last := produced[len(produced)-1]
		i.trace(ctx, outcome, task, agent, ictx, req, out.Raw, last, call.attempts, i.now().Sub(callStart), "")

		for _, s := range produced {
			if s.Status == plan.SubstepError {
				outcome.Substeps = append(results, pendingRest(steps[idx+1:])...)
				return i.fail(outcome, start, xerrors.New(xerrors.CodeWorkerReportedFailure,
					fmt.Sprintf("worker reported step %q failed: %s", s.StepName, s.Result)))
			}
		}
		outcome.ValidationRequests = append(outcome.ValidationRequests, out.ValidationRequests()...)
		insights = append(insights, out.Insights()...)
	}

	outcome.Substeps = results
	outcome.Status = plan.StatusCompleted
	outcome.Duration = i.now().Sub(start)

	// 写入记忆快照，失败只记录日志。
	i.remember(ctx, outcome, task, agent, ictx, insights)
	return outcome, nil
}

// Consult 执行单次带重试的调用，供复核等场景使用。
func (i *Invoker) Consult(ctx context.Context, req llm.Request) (llm.Output, int, error) {
	if i.client == nil {
		return llm.Output{}, 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置工作代理客户端")
	}
	out, call, err := i.call(ctx, req)
	return out, call.tokens, err
}

type callStats struct {
	attempts int
	failures int
	tokens   int
}

// call 在重试预算内调用模型。每次尝试前检查取消信号，退避时长是确定的。
func (i *Invoker) call(ctx context.Context, req llm.Request) (llm.Output, callStats, error) {
	var (
		stats   callStats
		lastErr error
	)
	for attempt := 1; attempt <= i.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return llm.Output{}, stats, cancelled(err)
		}
		if attempt > 1 {
			if err := i.sleep(ctx, Backoff(i.backoff, i.maxBackoff, attempt-1)); err != nil {
				return llm.Output{}, stats, cancelled(err)
			}
		}

		stats.attempts++
		out, tokens, err := i.attempt(ctx, req)
		stats.tokens += tokens
		if err == nil {
			return out, stats, nil
		}
		if ctx.Err() != nil {
			return llm.Output{}, stats, cancelled(ctx.Err())
		}
		stats.failures++
		lastErr = err
		i.logger.Warn("工作代理调用失败",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", i.maxRetries),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		if !xerrors.RetryableError(err) {
			return llm.Output{}, stats, err
		}
	}
	return llm.Output{}, stats, xerrors.Wrap(xerrors.CodeRetryBudgetExhausted, lastErr,
		fmt.Sprintf("worker failed after %d attempts", stats.attempts),
		xerrors.WithMetadata("last_code", string(xerrors.CodeOf(lastErr))))
}

func (i *Invoker) attempt(ctx context.Context, req llm.Request) (llm.Output, int, error) {
	attemptCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	resp, err := i.client.Execute(attemptCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return llm.Output{}, 0, xerrors.Wrap(xerrors.CodeWorkerTimeout, err, "worker call timed out")
		}
		return llm.Output{}, 0, xerrors.Wrap(xerrors.CodeWorkerTransport, err, "worker call failed")
	}
	if resp == nil {
		return llm.Output{}, 0, xerrors.New(xerrors.CodeWorkerMalformedResponse, "worker returned no response")
	}
	out, err := llm.ParseOutput(resp.Content)
	if err != nil {
		return llm.Output{}, resp.TokensUsed, xerrors.Wrap(xerrors.CodeWorkerMalformedResponse, err, "worker response could not be decoded")
	}
	return out, resp.TokensUsed, nil
}

func (i *Invoker) fail(outcome *Outcome, start time.Time, err error) (*Outcome, error) {
	outcome.Status = plan.StatusFailed
	outcome.Duration = i.now().Sub(start)
	return outcome, err
}

func cancelled(err error) error {
	return xerrors.Wrap(xerrors.CodeCancelled, err, "worker invocation cancelled")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func systemContext(agent registry.Agent) string {
	if strings.TrimSpace(agent.SystemPrompt) != "" {
		return agent.SystemPrompt
	}
	return fmt.Sprintf("You are %s, a worker agent with capabilities: %s. "+
		"Reply with a JSON object {\"result\": string, \"substeps\": [{\"step_name\", \"status\", \"result\", \"implementation_proof\"}], "+
		"\"insights\": [{\"key\", \"value\", \"tags\"}]} or with plain text.",
		agent.Name, strings.Join(agent.CapabilityTags, ", "))
}

func describe(task *plan.Task, step plan.Substep, idx, total int) string {
	if total <= 1 {
		return task.Summary
	}
	return fmt.Sprintf("%s\n\nStep %d/%d: %s", task.Summary, idx+1, total, step.StepName)
}

func pendingRest(steps []plan.Substep) []plan.Substep {
	out := make([]plan.Substep, len(steps))
	for k, s := range steps {
		s.Status = plan.SubstepPending
		out[k] = s
	}
	return out
}

// normalizeSubsteps 把模型输出映射为子步骤。结构化输出自带 substeps 时以其为准。
func normalizeSubsteps(planned plan.Substep, out llm.Output) []plan.Substep {
	reported := out.Substeps()
	if len(reported) == 0 {
		planned.Status = plan.SubstepCompleted
		planned.Result = out.Text()
		planned.ImplementationProof = out.Get("implementation_proof").String()
		return []plan.Substep{planned}
	}
	steps := make([]plan.Substep, 0, len(reported))
	for k, r := range reported {
		name := strings.TrimSpace(r.StepName)
		if name == "" {
			name = fmt.Sprintf("%s.%d", planned.StepName, k+1)
		}
		steps = append(steps, plan.Substep{
			StepName:            name,
			Status:              substepStatus(r.Status),
			Result:              r.Result,
			ImplementationProof: r.ImplementationProof,
		})
	}
	return steps
}

func substepStatus(raw string) plan.SubstepStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error", "failed", "failure":
		return plan.SubstepError
	default:
		return plan.SubstepCompleted
	}
}
