package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 AgentNexus 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Cache        CacheConfig        `json:"cache" yaml:"cache"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Registry     RegistryConfig     `json:"registry" yaml:"registry"`
	Decomposer   DecomposerConfig   `json:"decomposer" yaml:"decomposer"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `json:"address" yaml:"address"`
	// MetricsAddress 非空时额外在该地址单独暴露 /metrics。
	MetricsAddress  string `json:"metrics_address" yaml:"metrics_address"`
	ShutdownSeconds int    `json:"shutdown_seconds" yaml:"shutdown_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// StorageConfig 描述关系型存储的连接信息。driver 支持 memory、mysql、sqlite。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	// TaskLogPath 在 memory 驱动下把任务日志追加写入 JSONL 文件，留空则只保存在内存中。
	TaskLogPath string `json:"task_log_path" yaml:"task_log_path"`
}

// CacheConfig 配置共享的注册表快照缓存。
type CacheConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address    string `json:"address" yaml:"address"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// QueueConfig 描述异步作业队列。driver 支持 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Name       string         `json:"name" yaml:"name"`
	Workers    int            `json:"workers" yaml:"workers"`
	Buffer     int            `json:"buffer" yaml:"buffer"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
}

// LLMConfig 用于配置工作代理背后的大模型调用方式。
type LLMConfig struct {
	Provider  string          `json:"provider" yaml:"provider"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// AnthropicConfig 描述 Anthropic 接口，可选择通过 AWS Bedrock 访问。
type AnthropicConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	UseBedrock     bool    `json:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion      string  `json:"aws_region" yaml:"aws_region"`
	AWSProfile     string  `json:"aws_profile" yaml:"aws_profile"`
}

// OrchestratorConfig 控制编排状态机、重试与并发。
type OrchestratorConfig struct {
	MaxWorkers             int     `json:"max_workers" yaml:"max_workers"`
	MaxRetries             int     `json:"max_retries" yaml:"max_retries"`
	BackoffMillis          int     `json:"backoff_ms" yaml:"backoff_ms"`
	MaxBackoffMillis       int     `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	AttemptTimeoutSeconds  int     `json:"attempt_timeout_seconds" yaml:"attempt_timeout_seconds"`
	MemoryDepth            int     `json:"memory_depth" yaml:"memory_depth"`
	LogDepth               int     `json:"log_depth" yaml:"log_depth"`
	MaxReassignments       int     `json:"max_reassignments" yaml:"max_reassignments"`
	ValidationPolicy       string  `json:"validation_policy" yaml:"validation_policy"`
	ValidationAgent        string  `json:"validation_agent" yaml:"validation_agent"`
	ValidationCapability   string  `json:"validation_capability" yaml:"validation_capability"`
	ManagerAgentID         int64   `json:"manager_agent_id" yaml:"manager_agent_id"`
	SessionTTLMinutes      int     `json:"session_ttl_minutes" yaml:"session_ttl_minutes"`
	MemoryTTLHours         int     `json:"memory_ttl_hours" yaml:"memory_ttl_hours"`
	PurgeIntervalMinutes   int     `json:"purge_interval_minutes" yaml:"purge_interval_minutes"`
	RequestTimeoutSeconds  int     `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	ClarificationThreshold float64 `json:"clarification_threshold" yaml:"clarification_threshold"`
}

// RegistryConfig 配置代理名册文件。
type RegistryConfig struct {
	RosterPath     string `json:"roster_path" yaml:"roster_path"`
	Watch          bool   `json:"watch" yaml:"watch"`
	RefreshSeconds int    `json:"refresh_seconds" yaml:"refresh_seconds"`
}

// DecomposerConfig 指向分类规则表。classifier 支持 keyword、llm。
type DecomposerConfig struct {
	RulesPath  string `json:"rules_path" yaml:"rules_path"`
	Classifier string `json:"classifier" yaml:"classifier"`
}

// AuthConfig 控制令牌校验方式。mode 支持 disabled、static、jwt。
type AuthConfig struct {
	Mode   string        `json:"mode" yaml:"mode"`
	Tokens []StaticToken `json:"tokens" yaml:"tokens"`
	JWT    JWTConfig     `json:"jwt" yaml:"jwt"`
}

// StaticToken 是预先配置的访问令牌。
type StaticToken struct {
	Token  string   `json:"token" yaml:"token"`
	UserID string   `json:"user_id" yaml:"user_id"`
	Name   string   `json:"name" yaml:"name"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}

// JWTConfig 描述 HS256 令牌校验参数。
type JWTConfig struct {
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secret_env" yaml:"secret_env"`
	Issuer    string `json:"issuer" yaml:"issuer"`
	Audience  string `json:"audience" yaml:"audience"`
}

// AlertingConfig 配置升级告警的 Webhook。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 负责解析指定路径的配置文件，扩展名为 .json 时按 JSON 解析，否则按 YAML 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容但不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Default 返回填充默认值后的配置，适用于未提供配置文件的场景。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "audit.log"
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 16
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 4
	}
	if c.Storage.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.ConnMaxLifetimeSeconds = 300
	}
	if c.Storage.ConnMaxIdleTimeSeconds <= 0 {
		c.Storage.ConnMaxIdleTimeSeconds = 60
	}
	c.Storage.TaskLogPath = resolvePath(baseDir, c.Storage.TaskLogPath)
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "file:" + filepath.Join(resolvePath(baseDir, c.Runtime.DataDir, "data"), "nexus.db")
	}

	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = "nexus"
	}
	if c.Cache.Redis.TTLSeconds <= 0 {
		c.Cache.Redis.TTLSeconds = 30
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Name == "" {
		c.Queue.Name = "nexus.requests"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 1
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.Anthropic.Model == "" {
		c.LLM.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.Anthropic.MaxTokens <= 0 {
		c.LLM.Anthropic.MaxTokens = 4096
	}
	if c.LLM.Anthropic.TimeoutSeconds <= 0 {
		c.LLM.Anthropic.TimeoutSeconds = 60
	}
	if c.LLM.Anthropic.UseBedrock && c.LLM.Anthropic.AWSRegion == "" {
		c.LLM.Anthropic.AWSRegion = "us-east-1"
	}

	o := &c.Orchestrator
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffMillis <= 0 {
		o.BackoffMillis = 500
	}
	if o.MaxBackoffMillis <= 0 {
		o.MaxBackoffMillis = 8000
	}
	if o.AttemptTimeoutSeconds <= 0 {
		o.AttemptTimeoutSeconds = 90
	}
	if o.MemoryDepth <= 0 {
		o.MemoryDepth = 10
	}
	if o.LogDepth <= 0 {
		o.LogDepth = 5
	}
	if o.MaxReassignments < 0 {
		o.MaxReassignments = 0
	} else if o.MaxReassignments == 0 {
		o.MaxReassignments = 1
	}
	if o.ValidationPolicy == "" {
		o.ValidationPolicy = "fail_open"
	}
	o.ValidationPolicy = strings.ToLower(o.ValidationPolicy)
	if o.ValidationAgent == "" {
		o.ValidationAgent = "ValidationCore"
	}
	if o.ValidationCapability == "" {
		o.ValidationCapability = "validation/review"
	}
	if o.SessionTTLMinutes <= 0 {
		o.SessionTTLMinutes = 24 * 60
	}
	if o.MemoryTTLHours < 0 {
		o.MemoryTTLHours = 0
	}
	if o.PurgeIntervalMinutes <= 0 {
		o.PurgeIntervalMinutes = 30
	}
	if o.RequestTimeoutSeconds <= 0 {
		o.RequestTimeoutSeconds = 600
	}
	if o.ClarificationThreshold <= 0 {
		o.ClarificationThreshold = 0.3
	}

	if c.Registry.RefreshSeconds <= 0 {
		c.Registry.RefreshSeconds = 15
	}
	c.Registry.RosterPath = resolvePath(baseDir, c.Registry.RosterPath)
	c.Decomposer.RulesPath = resolvePath(baseDir, c.Decomposer.RulesPath)
	if c.Decomposer.Classifier == "" {
		c.Decomposer.Classifier = "keyword"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Auth.JWT.SecretEnv == "" {
		c.Auth.JWT.SecretEnv = "NEXUS_JWT_SECRET"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
}

// Validate 检查互斥或取值受限的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.driver 为 mysql 时必须提供 dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.driver 为 redis 时必须提供 redis.address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.driver 为 rabbitmq 时必须提供 rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("不支持的模型提供方: %s", c.LLM.Provider)
	}
	switch c.Orchestrator.ValidationPolicy {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("validation_policy 只能为 fail_open 或 fail_closed: %s", c.Orchestrator.ValidationPolicy)
	}
	switch c.Decomposer.Classifier {
	case "keyword", "llm":
	default:
		return fmt.Errorf("不支持的分类器: %s", c.Decomposer.Classifier)
	}
	switch c.Auth.Mode {
	case "disabled", "static", "jwt":
	default:
		return fmt.Errorf("不支持的鉴权模式: %s", c.Auth.Mode)
	}
	return nil
}

// ResolveSecret 优先使用显式值，否则读取环境变量。
func ResolveSecret(value, env string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// Backoff 返回重试基础退避时长。
func (o OrchestratorConfig) Backoff() time.Duration {
	return time.Duration(o.BackoffMillis) * time.Millisecond
}

// MaxBackoff 返回退避时长上限。
func (o OrchestratorConfig) MaxBackoff() time.Duration {
	return time.Duration(o.MaxBackoffMillis) * time.Millisecond
}

// AttemptTimeout 返回单次调用的超时时间。
func (o OrchestratorConfig) AttemptTimeout() time.Duration {
	return time.Duration(o.AttemptTimeoutSeconds) * time.Second
}

func resolvePath(baseDir, path string, fallback ...string) string {
	if path == "" {
		if len(fallback) == 0 {
			return ""
		}
		path = fallback[0]
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
