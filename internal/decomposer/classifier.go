package decomposer

import (
	"context"
	"fmt"
	"strings"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/llm"
)

// Match 是分类器识别出的一个类别。
type Match struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Classifier 把请求归入规则表中的类别。返回的顺序即任务生成顺序。
type Classifier interface {
	Classify(ctx context.Context, request string, rules RuleSet) ([]Match, error)
}

// ClassifierFunc 允许使用普通函数实现 Classifier。
type ClassifierFunc func(ctx context.Context, request string, rules RuleSet) ([]Match, error)

// Classify 调用函数本身。
func (f ClassifierFunc) Classify(ctx context.Context, request string, rules RuleSet) ([]Match, error) {
	return f(ctx, request, rules)
}

// KeywordClassifier 按词边界匹配关键词。命中 n 个关键词的得分为 weight·n/(n+1)。
type KeywordClassifier struct{}

var _ Classifier = KeywordClassifier{}

// Classify 实现 Classifier。
func (KeywordClassifier) Classify(_ context.Context, request string, rules RuleSet) ([]Match, error) {
	text := " " + normalize(request) + " "
	var matches []Match
	for _, rule := range rules.Rules {
		hits := 0
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, " "+kw+" ") {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		weight := rule.Weight
		if weight <= 0 {
			weight = 1
		}
		matches = append(matches, Match{
			Category: rule.Category,
			Score:    weight * float64(hits) / float64(hits+1),
		})
	}
	return matches, nil
}

// LLMClassifier 让模型在给定类别中选择。输出必须是
// {"categories": [{"category": "...", "score": 0.8}]}。
type LLMClassifier struct {
	Client llm.Client
}

var _ Classifier = (*LLMClassifier)(nil)

// Classify 实现 Classifier。输出无法解析或引用未知类别时返回 DECOMPOSITION_FAILED。
func (c *LLMClassifier) Classify(ctx context.Context, request string, rules RuleSet) ([]Match, error) {
	if c == nil || c.Client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置分类模型")
	}
	categories := make([]string, 0, len(rules.Rules))
	for _, r := range rules.Rules {
		categories = append(categories, r.Category)
	}
	resp, err := c.Client.Execute(ctx, llm.Request{
		SystemContext: "You classify user requests. Reply with JSON {\"categories\": [{\"category\": string, \"score\": number between 0 and 1}]}. " +
			"Allowed categories: " + strings.Join(categories, ", ") + ". Return an empty list when none apply.",
		TaskDescription: request,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeDecompositionFailed, "classifier returned no response")
	}
	out, err := llm.ParseOutput(resp.Content)
	if err != nil || !out.Structured() || !out.Get("categories").IsArray() {
		return nil, xerrors.New(xerrors.CodeDecompositionFailed, "classifier output is not a category list")
	}

	var (
		matches []Match
		bad     error
	)
	for _, item := range out.Get("categories").Array() {
		name := strings.TrimSpace(item.Get("category").String())
		if _, ok := rules.Rule(name); !ok {
			bad = xerrors.New(xerrors.CodeDecompositionFailed, fmt.Sprintf("classifier returned unknown category %q", name))
			break
		}
		score := item.Get("score").Float()
		if !item.Get("score").Exists() {
			score = 1
		}
		matches = append(matches, Match{Category: name, Score: score})
	}
	if bad != nil {
		return nil, bad
	}
	return matches, nil
}
