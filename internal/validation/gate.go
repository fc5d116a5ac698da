package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/llm"
	"AgentNexus/internal/registry"
	"AgentNexus/pkg/logger"
)

// Policy 决定复核代理不可用时的处理方式。
type Policy string

const (
	PolicyFailOpen   Policy = "fail_open"
	PolicyFailClosed Policy = "fail_closed"
)

// ParsePolicy 解析策略名称，未知值返回 fail_open。
func ParsePolicy(raw string) Policy {
	if Policy(strings.ToLower(strings.TrimSpace(raw))) == PolicyFailClosed {
		return PolicyFailClosed
	}
	return PolicyFailOpen
}

const (
	DefaultAgentName  = "ValidationCore"
	DefaultCapability = "validation/review"
)

// Consulter 执行一次带重试的复核调用，通常由 worker.Invoker 提供。
type Consulter interface {
	Consult(ctx context.Context, req llm.Request) (llm.Output, int, error)
}

// Payload 是提交复核的内容。
type Payload struct {
	WorkflowID        string
	RequestingAgentID int64
	Data              any
}

// Verdict 是复核结论。Pending 表示按 fail_open 策略默认放行。
type Verdict struct {
	Approved   bool   `json:"approved"`
	Pending    bool   `json:"pending,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	AgentID    int64  `json:"agent_id,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// Gate 把计划或结果提交给复核代理。
type Gate struct {
	consulter  Consulter
	store      Store
	policy     Policy
	agentName  string
	capability string
	logger     *slog.Logger
}

// Option 定义 Gate 的可选配置。
type Option func(*Gate)

// WithPolicy 设置代理不可用时的策略。
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = ParsePolicy(string(p)) }
}

// WithAgent 设置复核代理的名称与能力标签。
func WithAgent(name, capability string) Option {
	return func(g *Gate) {
		if strings.TrimSpace(name) != "" {
			g.agentName = name
		}
		if strings.TrimSpace(capability) != "" {
			g.capability = strings.ToLower(strings.TrimSpace(capability))
		}
	}
}

// WithStore 设置复核请求的存储。
func WithStore(s Store) Option {
	return func(g *Gate) {
		if s != nil {
			g.store = s
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate 创建 Gate。
func NewGate(consulter Consulter, opts ...Option) *Gate {
	g := &Gate{
		consulter:  consulter,
		store:      NewMemoryStore(),
		policy:     PolicyFailOpen,
		agentName:  DefaultAgentName,
		capability: DefaultCapability,
		logger:     logger.Named("validation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Policy 返回当前策略。
func (g *Gate) Policy() Policy { return g.policy }

// Store 返回复核请求存储。
func (g *Gate) Store() Store { return g.store }

// Agent 返回快照中可用的复核代理。
func (g *Gate) Agent(snapshot registry.Snapshot) (registry.Agent, bool) {
	if a, ok := snapshot.Named(g.agentName); ok && a.Enabled {
		return a, true
	}
	return snapshot.Best(g.capability)
}

// Review 提交一次复核。plan_review 的结论为 approved/rejected，result_review 记为 completed。
func (g *Gate) Review(ctx context.Context, snapshot registry.Snapshot, reviewType ReviewType, payload Payload) (Verdict, error) {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return Verdict{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "复核内容无法序列化")
	}
	req := &Request{
		WorkflowID:        payload.WorkflowID,
		RequestingAgentID: payload.RequestingAgentID,
		Type:              reviewType,
		RequestData:       data,
		Status:            RequestPending,
	}

	agent, ok := g.Agent(snapshot)
	if !ok || g.consulter == nil {
		g.record(ctx, req)
		return g.unavailable(ctx, req, fmt.Sprintf("validation agent %s is not available", g.agentName), nil)
	}
	req.ValidationAgentID = agent.ID
	g.record(ctx, req)

	out, tokens, err := g.consulter.Consult(ctx, llm.Request{
		SystemContext:   reviewerContext(agent, reviewType),
		TaskDescription: string(data),
	})
	if err != nil {
		if code := xerrors.CodeOf(err); code == xerrors.CodeCancelled || ctx.Err() != nil {
			return Verdict{}, err
		}
		return g.unavailable(ctx, req, "validation agent did not answer", err)
	}

	verdict, err := ParseVerdict(out)
	if err != nil {
		g.logger.Warn("复核结果无法解析",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("type", string(reviewType)),
			slog.String("code", string(xerrors.CodeOf(err))))
		return Verdict{RequestID: req.ID, AgentID: agent.ID, TokensUsed: tokens}, err
	}
	verdict.RequestID = req.ID
	verdict.AgentID = agent.ID
	verdict.TokensUsed = tokens

	status := RequestCompleted
	if reviewType == PlanReview {
		status = RequestRejected
		if verdict.Approved {
			status = RequestApproved
		}
	}
	g.resolve(ctx, req, status, verdict)
	return verdict, nil
}

// unavailable 按策略处理复核代理缺席或无应答，并结束已记录的复核请求。
func (g *Gate) unavailable(ctx context.Context, req *Request, reason string, cause error) (Verdict, error) {
	err := xerrors.New(xerrors.CodeValidationUnavailable, reason,
		xerrors.WithMetadata("workflow_id", req.WorkflowID),
		xerrors.WithMetadata("type", string(req.Type)))
	if cause != nil {
		err = xerrors.Wrap(xerrors.CodeValidationUnavailable, cause, reason,
			xerrors.WithMetadata("workflow_id", req.WorkflowID))
	}
	if g.policy == PolicyFailClosed {
		verdict := Verdict{RequestID: req.ID, Feedback: reason}
		g.resolve(ctx, req, RequestRejected, verdict)
		return verdict, err
	}
	g.logger.Warn("复核代理不可用，按策略放行",
		slog.String("workflow_id", req.WorkflowID),
		slog.String("type", string(req.Type)),
		slog.String("code", string(xerrors.CodeValidationUnavailable)),
		slog.Any("error", err))
	verdict := Verdict{
		Approved:  true,
		Pending:   true,
		Feedback:  "validation pending: " + reason,
		RequestID: req.ID,
	}
	status := RequestCompleted
	if req.Type == PlanReview {
		status = RequestApproved
	}
	g.resolve(ctx, req, status, verdict)
	return verdict, nil
}

func (g *Gate) record(ctx context.Context, req *Request) {
	if err := g.store.Create(ctx, req); err != nil {
		g.persistenceFailure(req, err)
	}
}

func (g *Gate) resolve(ctx context.Context, req *Request, status RequestStatus, verdict Verdict) {
	if req.ID == "" {
		return
	}
	response, _ := json.Marshal(verdict)
	if err := g.store.Resolve(ctx, req.ID, status, response); err != nil {
		g.persistenceFailure(req, err)
	}
}

func (g *Gate) persistenceFailure(req *Request, err error) {
	g.logger.Warn("复核请求写入失败",
		slog.String("workflow_id", req.WorkflowID),
		slog.String("code", string(xerrors.CodePersistenceFailure)),
		slog.Any("error", err))
}

// ParseVerdict 解析复核代理的回复。结构化回复必须包含布尔字段 approved，
// 文本回复必须以 APPROVED 或 REJECTED 开头，否则返回 VALIDATION_MALFORMED。
func ParseVerdict(out llm.Output) (Verdict, error) {
	if out.Structured() {
		approved := out.Get("approved")
		if approved.Type != gjson.True && approved.Type != gjson.False {
			return Verdict{}, xerrors.New(xerrors.CodeValidationMalformed, "validation reply lacks a boolean approved field")
		}
		return Verdict{Approved: approved.Bool(), Feedback: out.Get("feedback").String()}, nil
	}

	text := strings.TrimSpace(out.Raw)
	upper := strings.ToUpper(text)
	for _, word := range []string{"APPROVED", "REJECTED"} {
		if strings.HasPrefix(upper, word) {
			feedback := strings.TrimLeft(text[len(word):], " :.-\n\t")
			return Verdict{Approved: word == "APPROVED", Feedback: strings.TrimSpace(feedback)}, nil
		}
	}
	return Verdict{}, xerrors.New(xerrors.CodeValidationMalformed, "validation reply must start with APPROVED or REJECTED")
}

func reviewerContext(agent registry.Agent, reviewType ReviewType) string {
	base := agent.SystemPrompt
	if strings.TrimSpace(base) == "" {
		base = fmt.Sprintf("You are %s, the validation agent.", agent.Name)
	}
	return base + "\nReview type: " + string(reviewType) +
		". Reply with JSON {\"approved\": bool, \"feedback\": string} or with text starting with APPROVED or REJECTED."
}
