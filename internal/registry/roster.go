package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type rosterFile struct {
	Agents []rosterAgent `yaml:"agents"`
}

type rosterAgent struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Capabilities []string `yaml:"capabilities"`
	Enabled      *bool    `yaml:"enabled"`
	TeamID       int64    `yaml:"team_id"`
}

// LoadRoster 读取 YAML 名册文件。未显式声明 enabled 的代理默认启用。
func LoadRoster(path string) ([]Agent, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取名册失败: %w", err)
	}
	return ParseRoster(content)
}

// ParseRoster 解析名册内容。
func ParseRoster(content []byte) ([]Agent, error) {
	var file rosterFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析名册失败: %w", err)
	}
	agents := make([]Agent, 0, len(file.Agents))
	for _, entry := range file.Agents {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		agent := Agent{
			Name:           entry.Name,
			Description:    entry.Description,
			SystemPrompt:   entry.SystemPrompt,
			CapabilityTags: entry.Capabilities,
			Enabled:        enabled,
			TeamID:         entry.TeamID,
		}
		if err := agent.Validate(); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Sync 把名册写入注册表。名册中缺失的代理保持原状，不会被删除。
func Sync(ctx context.Context, svc *Service, agents []Agent) error {
	for i := range agents {
		if err := svc.Register(ctx, &agents[i]); err != nil {
			return fmt.Errorf("同步代理 %s 失败: %w", agents[i].Name, err)
		}
	}
	return nil
}
