package llm

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// OutputKind 区分模型输出的形态。
type OutputKind string

const (
	OutputStructured OutputKind = "structured"
	OutputFreeText   OutputKind = "free_text"
)

// ErrEmptyOutput 表示模型返回了空内容。
var ErrEmptyOutput = errors.New("model returned empty content")

// Output 是带标签的模型输出：要么是可解析的 JSON 对象，要么是纯文本。
type Output struct {
	Kind OutputKind
	Raw  string
	doc  gjson.Result
}

// ParseOutput 解析模型内容。内容中包含合法 JSON 对象（可被 Markdown 代码块包裹）时视为结构化输出。
func ParseOutput(content string) (Output, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Output{}, ErrEmptyOutput
	}
	if candidate, ok := extractJSONObject(trimmed); ok {
		return Output{Kind: OutputStructured, Raw: candidate, doc: gjson.Parse(candidate)}, nil
	}
	return Output{Kind: OutputFreeText, Raw: trimmed}, nil
}

// Structured 判断输出是否为结构化 JSON。
func (o Output) Structured() bool { return o.Kind == OutputStructured }

// Get 读取结构化输出中的字段，非结构化输出返回空结果。
func (o Output) Get(path string) gjson.Result {
	if !o.Structured() {
		return gjson.Result{}
	}
	return o.doc.Get(path)
}

// Text 返回面向用户的主要文本。结构化输出依次尝试 result、reply、summary 字段。
func (o Output) Text() string {
	if !o.Structured() {
		return o.Raw
	}
	for _, key := range []string{"result", "reply", "summary", "feedback"} {
		if v := o.doc.Get(key); v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return o.Raw
}

// SubstepOutput 是模型回报的子步骤。
type SubstepOutput struct {
	StepName            string
	Status              string
	Result              string
	ImplementationProof string
}

// Substeps 读取 substeps 数组。
func (o Output) Substeps() []SubstepOutput {
	var out []SubstepOutput
	o.Get("substeps").ForEach(func(_, v gjson.Result) bool {
		out = append(out, SubstepOutput{
			StepName:            v.Get("step_name").String(),
			Status:              v.Get("status").String(),
			Result:              v.Get("result").String(),
			ImplementationProof: v.Get("implementation_proof").String(),
		})
		return true
	})
	return out
}

// Insight 是模型希望写入记忆的一条信息。
type Insight struct {
	Key   string
	Value string
	Tags  []string
}

// Insights 读取 insights 数组，缺少 key 的条目被忽略。
func (o Output) Insights() []Insight {
	var out []Insight
	o.Get("insights").ForEach(func(_, v gjson.Result) bool {
		key := strings.TrimSpace(v.Get("key").String())
		if key == "" {
			return true
		}
		value := v.Get("value")
		raw := value.Raw
		if raw == "" {
			raw = "null"
		}
		var tags []string
		v.Get("tags").ForEach(func(_, t gjson.Result) bool {
			tags = append(tags, t.String())
			return true
		})
		out = append(out, Insight{Key: key, Value: raw, Tags: tags})
		return true
	})
	return out
}

// ValidationRequests 读取模型提出的复核请求，返回原始 JSON。
func (o Output) ValidationRequests() []string {
	var out []string
	o.Get("validation_requests").ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.Raw)
		return true
	})
	return out
}

func extractJSONObject(text string) (string, bool) {
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if gjson.Valid(text) && strings.HasPrefix(text, "{") {
		return text, true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if gjson.Valid(candidate) {
		return candidate, true
	}
	return "", false
}
