package decomposer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule 描述一个请求类别及其对应的能力标签。
type Rule struct {
	Category   string   `yaml:"category" json:"category"`
	Capability string   `yaml:"capability" json:"capability"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
	// Steps 为该类别任务的子步骤，留空时只有一个与类别同名的步骤。
	Steps []string `yaml:"steps" json:"steps,omitempty"`
	// DependsOn 列出需要先完成的其他类别。
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	Summary   string   `yaml:"summary" json:"summary,omitempty"`
	// Weight 调整该类别命中时的置信度，默认 1。
	Weight float64 `yaml:"weight" json:"weight,omitempty"`
}

// Fallback 描述没有类别命中时使用的兜底能力。
type Fallback struct {
	Category   string `yaml:"category" json:"category"`
	Capability string `yaml:"capability" json:"capability"`
}

// RuleSet 是完整的分类规则表。
type RuleSet struct {
	Rules         []Rule   `yaml:"rules" json:"rules"`
	Fallback      Fallback `yaml:"fallback" json:"fallback"`
	MinConfidence float64  `yaml:"min_confidence" json:"min_confidence"`
}

const defaultMinConfidence = 0.3

// DefaultRules 返回内置的规则表。
func DefaultRules() RuleSet {
	return RuleSet{
		Rules: []Rule{
			{
				Category:   "backend",
				Capability: "backend/api",
				Keywords:   []string{"api", "rest", "endpoint", "backend", "server", "graphql", "service"},
			},
			{
				Category:   "frontend",
				Capability: "frontend/ui",
				Keywords:   []string{"ui", "form", "page", "button", "css", "frontend", "layout", "component", "screen"},
			},
			{
				Category:   "data",
				Capability: "data",
				Keywords:   []string{"database", "schema", "sql", "data", "migration", "query", "table"},
			},
			{
				Category:   "architecture",
				Capability: "architecture",
				Keywords:   []string{"architecture", "microservice", "microservices", "scalability", "topology"},
			},
			{
				Category:   "security",
				Capability: "security",
				Keywords:   []string{"security", "auth", "encrypt", "encryption", "vulnerability", "audit"},
			},
		},
		Fallback:      Fallback{Category: "general", Capability: "analysis"},
		MinConfidence: defaultMinConfidence,
	}
}

// LoadRules 从 YAML 文件读取规则表。
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("读取规则文件失败: %w", err)
	}
	return ParseRules(data)
}

// ParseRules 解析 YAML 规则表并补全默认值。
func ParseRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("解析规则文件失败: %w", err)
	}
	rs.applyDefaults()
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

func (rs *RuleSet) applyDefaults() {
	def := DefaultRules()
	if strings.TrimSpace(rs.Fallback.Category) == "" {
		rs.Fallback.Category = def.Fallback.Category
	}
	if strings.TrimSpace(rs.Fallback.Capability) == "" {
		rs.Fallback.Capability = def.Fallback.Capability
	}
	if rs.MinConfidence <= 0 {
		rs.MinConfidence = defaultMinConfidence
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		r.Category = strings.TrimSpace(r.Category)
		r.Capability = strings.ToLower(strings.TrimSpace(r.Capability))
		if r.Weight <= 0 {
			r.Weight = 1
		}
		for k, kw := range r.Keywords {
			r.Keywords[k] = normalize(kw)
		}
	}
}

// Validate 检查规则表的完整性。
func (rs RuleSet) Validate() error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Category == "" || r.Capability == "" {
			return fmt.Errorf("规则缺少 category 或 capability")
		}
		if _, ok := seen[r.Category]; ok {
			return fmt.Errorf("规则类别重复: %s", r.Category)
		}
		seen[r.Category] = struct{}{}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("规则 %s 没有关键词", r.Category)
		}
	}
	for _, r := range rs.Rules {
		for _, dep := range r.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("规则 %s 依赖未知类别 %s", r.Category, dep)
			}
		}
	}
	return nil
}

// Rule 按类别查找规则。
func (rs RuleSet) Rule(category string) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.Category == category {
			return r, true
		}
	}
	return Rule{}, false
}

// normalize 把文本转为小写并把非字母数字字符替换为空格。
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
