package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request 描述一次工作代理调用。模型本身被视为不透明的能力。
type Request struct {
	// SystemContext 是代理的角色设定与输出约定。
	SystemContext string
	// TaskDescription 是本次需要完成的工作。
	TaskDescription string
	// PriorContext 依次列出记忆、历史日志与前序步骤结果。
	PriorContext []ContextItem
}

// ContextItem 是提供给模型的一段上下文。
type ContextItem struct {
	Label   string
	Content string
}

// Response 是模型返回的原始内容。
type Response struct {
	Content    string
	TokensUsed int
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许把普通函数当作 Client 使用。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Execute 实现 Client。
func (f ClientFunc) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// BuildPrompt 把任务与上下文渲染为用户消息。
func BuildPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("## Task\n")
	builder.WriteString(strings.TrimSpace(req.TaskDescription))
	builder.WriteString("\n")

	if len(req.PriorContext) > 0 {
		builder.WriteString("\n## Context\n")
		for idx, item := range req.PriorContext {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n", idx+1, strings.TrimSpace(item.Label), truncate(item.Content, 400)))
		}
	}
	return builder.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
