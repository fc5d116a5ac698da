package decomposer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/registry"
	"AgentNexus/pkg/logger"
)

// Decomposer 根据规则表与注册表快照生成任务计划。
type Decomposer struct {
	rules      RuleSet
	classifier Classifier
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// Option 定义 Decomposer 的可选配置。
type Option func(*Decomposer)

// WithClassifier 替换默认的关键词分类器。
func WithClassifier(c Classifier) Option {
	return func(d *Decomposer) {
		if c != nil {
			d.classifier = c
		}
	}
}

// WithClock 设置时间源。
func WithClock(now func() time.Time) Option {
	return func(d *Decomposer) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(d *Decomposer) {
		if l != nil {
			d.logger = l
		}
	}
}

// New 创建 Decomposer。
func New(rules RuleSet, opts ...Option) *Decomposer {
	rules.applyDefaults()
	d := &Decomposer{
		rules:      rules,
		classifier: KeywordClassifier{},
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     logger.Named("decomposer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Rules 返回当前规则表。
func (d *Decomposer) Rules() RuleSet { return d.rules }

type decomposeOptions struct {
	workflowID string
	sessionID  string
	feedback   string
}

// DecomposeOption 调整单次分解。
type DecomposeOption func(*decomposeOptions)

// WithWorkflow 指定计划所属的工作流与会话。
func WithWorkflow(workflowID, sessionID string) DecomposeOption {
	return func(o *decomposeOptions) {
		o.workflowID = workflowID
		o.sessionID = sessionID
	}
}

// WithFeedback 附加复核意见，用于计划被驳回后的修订。
func WithFeedback(feedback string) DecomposeOption {
	return func(o *decomposeOptions) { o.feedback = strings.TrimSpace(feedback) }
}

// Decompose 把请求拆分为任务。空请求返回 EMPTY_REQUEST；没有任何可用代理时返回 NO_CAPABLE_AGENT。
func (d *Decomposer) Decompose(ctx context.Context, request string, snapshot registry.Snapshot, opts ...DecomposeOption) (*plan.Plan, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, xerrors.New(xerrors.CodeEmptyRequest, "request must not be empty")
	}
	var o decomposeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.workflowID == "" {
		o.workflowID = d.newID()
	}

	p := &plan.Plan{WorkflowID: o.workflowID, Request: request}
	text := request
	if o.feedback != "" {
		text = request + "\n" + o.feedback
	}

	matches, err := d.classifier.Classify(ctx, text, d.rules)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeDecompositionFailed {
			return nil, err
		}
		// 分类输出无法使用：仍给出兜底任务，但要求用户澄清。
		d.logger.Warn("请求分类失败", slog.String("workflow_id", p.WorkflowID), slog.Any("error", err))
		p.NeedsClarification = true
		p.Clarification = "the request could not be classified; please describe the expected deliverables"
		matches = nil
	}
	matches = dedupe(matches)

	now := d.now().UTC()
	byCategory := make(map[string]*plan.Task, len(matches))
	for _, m := range matches {
		rule, ok := d.rules.Rule(m.Category)
		if !ok {
			continue
		}
		agent, ok := snapshot.Best(rule.Capability)
		if !ok {
			p.Unassigned = append(p.Unassigned, rule.Category)
			continue
		}
		task := d.newTask(p, o.sessionID, rule.Category, rule.Capability, summaryFor(rule, request), rule.Steps, agent, now)
		byCategory[rule.Category] = task
		if m.Score > p.Confidence {
			p.Confidence = m.Score
		}
	}

	if len(p.Tasks) == 0 {
		fb := d.rules.Fallback
		agent, ok := snapshot.Best(fb.Capability)
		if !ok {
			return nil, xerrors.New(xerrors.CodeNoCapableAgent,
				fmt.Sprintf("no enabled agent offers capability %s", fb.Capability),
				xerrors.WithMetadata("capability", fb.Capability))
		}
		d.newTask(p, o.sessionID, fb.Category, fb.Capability, request, nil, agent, now)
		p.Fallback = true
		if len(matches) == 0 && !p.NeedsClarification {
			p.Confidence = 1
		}
	}

	// 规则中的类别依赖映射为任务依赖。
	for _, task := range p.Tasks {
		rule, ok := d.rules.Rule(task.Category)
		if !ok {
			continue
		}
		for _, dep := range rule.DependsOn {
			if prereq, ok := byCategory[dep]; ok {
				task.DependsOn = append(task.DependsOn, prereq.ID)
			}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if !p.NeedsClarification && !p.Fallback && p.Confidence < d.rules.MinConfidence {
		p.NeedsClarification = true
		p.Clarification = fmt.Sprintf("the request only weakly matches %s; please add detail",
			strings.Join(p.Categories(), ", "))
	}

	d.logger.Info("请求分解完成",
		slog.String("workflow_id", p.WorkflowID),
		slog.Int("tasks", len(p.Tasks)),
		slog.Bool("fallback", p.Fallback),
		slog.Float64("confidence", p.Confidence),
		slog.Any("unassigned", p.Unassigned))
	return p, nil
}

func (d *Decomposer) newTask(p *plan.Plan, sessionID, category, capability, summary string, steps []string, agent registry.Agent, now time.Time) *plan.Task {
	if len(steps) == 0 {
		steps = []string{category}
	}
	substeps := make([]plan.Substep, 0, len(steps))
	for _, s := range steps {
		substeps = append(substeps, plan.Substep{StepName: s, Status: plan.SubstepPending})
	}
	task := &plan.Task{
		ID:              d.newID(),
		WorkflowID:      p.WorkflowID,
		SessionID:       sessionID,
		Summary:         summary,
		Category:        category,
		CapabilityTag:   capability,
		AssignedAgentID: agent.ID,
		Status:          plan.StatusPending,
		Substeps:        substeps,
		CreatedAt:       now,
	}
	p.Tasks = append(p.Tasks, task)
	return task
}

func summaryFor(rule Rule, request string) string {
	if strings.TrimSpace(rule.Summary) == "" {
		return fmt.Sprintf("[%s] %s", rule.Category, request)
	}
	return rule.Summary + ": " + request
}

// dedupe 合并重复类别并保留最高得分，顺序按首次出现。
func dedupe(matches []Match) []Match {
	index := make(map[string]int, len(matches))
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if i, ok := index[m.Category]; ok {
			if m.Score > out[i].Score {
				out[i].Score = m.Score
			}
			continue
		}
		index[m.Category] = len(out)
		out = append(out, m)
	}
	return out
}
