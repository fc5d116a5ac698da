package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentNexus/internal/api"
	"AgentNexus/internal/auth"
	"AgentNexus/internal/config"
	"AgentNexus/internal/decomposer"
	"AgentNexus/internal/job"
	"AgentNexus/internal/llm"
	"AgentNexus/internal/llm/anthropic"
	"AgentNexus/internal/llm/openai"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/observability/alerting"
	"AgentNexus/internal/observability/metrics"
	"AgentNexus/internal/orchestrator"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/session"
	"AgentNexus/internal/storage/redis"
	"AgentNexus/internal/storage/sqldb"
	"AgentNexus/internal/tasklog"
	"AgentNexus/internal/validation"
	"AgentNexus/internal/worker"
	"AgentNexus/pkg/logger"
)

// main 是 AgentNexus 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("nexusd 运行失败: %v", err)
	}
}

// stores 汇总各领域的持久化实现。
type stores struct {
	agents      registry.Store
	memory      memory.Store
	taskLog     tasklog.Store
	sessions    session.Store
	validations validation.Store
	jobs        job.Store
	ready       func(ctx context.Context) error
	close       func() error
}

func run(ctx context.Context) error {
	configPath := os.Getenv("NEXUS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "nexus.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("nexusd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			lg.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	// 代理注册表，配置 Redis 时多个实例共享快照。
	registryOpts := []registry.Option{
		registry.WithRefreshInterval(time.Duration(cfg.Registry.RefreshSeconds) * time.Second),
	}
	if cfg.Cache.Redis.Address != "" {
		cache, err := redis.NewSnapshotCache(ctx, redis.Config{
			Address:   cfg.Cache.Redis.Address,
			Username:  cfg.Cache.Redis.Username,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Cache.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer cache.Close()
		registryOpts = append(registryOpts, registry.WithCache(cache))
	}
	registrySvc := registry.NewService(st.agents, registryOpts...)

	if cfg.Registry.RosterPath != "" {
		agents, err := registry.LoadRoster(cfg.Registry.RosterPath)
		if err != nil {
			return err
		}
		if err := registry.Sync(ctx, registrySvc, agents); err != nil {
			return err
		}
		lg.Info("代理名册已加载", slog.String("path", cfg.Registry.RosterPath), slog.Int("agents", len(agents)))
		if cfg.Registry.Watch {
			watcher := registry.NewWatcher(cfg.Registry.RosterPath, registrySvc)
			go func() {
				if err := watcher.Run(ctx); err != nil {
					lg.Warn("名册监听退出", slog.Any("error", err))
				}
			}()
		}
	}

	llmClient, err := createLLMClient(ctx, cfg)
	if err != nil {
		return err
	}

	rules := decomposer.DefaultRules()
	if cfg.Decomposer.RulesPath != "" {
		rules, err = decomposer.LoadRules(cfg.Decomposer.RulesPath)
		if err != nil {
			return err
		}
	}
	// 配置中的阈值优先于规则文件。
	rules.MinConfidence = cfg.Orchestrator.ClarificationThreshold
	decomposerOpts := []decomposer.Option{}
	if cfg.Decomposer.Classifier == "llm" {
		decomposerOpts = append(decomposerOpts, decomposer.WithClassifier(&decomposer.LLMClassifier{Client: llmClient}))
	}
	dec := decomposer.New(rules, decomposerOpts...)

	oc := cfg.Orchestrator
	invoker := worker.New(llmClient, st.memory, st.taskLog,
		worker.WithMaxRetries(oc.MaxRetries),
		worker.WithBackoff(oc.Backoff(), oc.MaxBackoff()),
		worker.WithAttemptTimeout(oc.AttemptTimeout()),
		worker.WithMemoryDepth(oc.MemoryDepth),
		worker.WithLogDepth(oc.LogDepth),
		worker.WithMemoryTTL(time.Duration(oc.MemoryTTLHours)*time.Hour),
	)
	gate := validation.NewGate(invoker,
		validation.WithPolicy(validation.ParsePolicy(oc.ValidationPolicy)),
		validation.WithAgent(oc.ValidationAgent, oc.ValidationCapability),
		validation.WithStore(st.validations),
	)

	sessions := session.NewManager(st.sessions, time.Duration(oc.SessionTTLMinutes)*time.Minute)
	alerts := createAlertDispatcher(cfg)
	collectors := metrics.Default()

	manager := orchestrator.New(registrySvc, dec, gate, invoker,
		orchestrator.WithMaxWorkers(oc.MaxWorkers),
		orchestrator.WithMaxReassignments(oc.MaxReassignments),
		orchestrator.WithMaxRetries(oc.MaxRetries),
		orchestrator.WithRequestTimeout(time.Duration(oc.RequestTimeoutSeconds)*time.Second),
		orchestrator.WithManagerAgent(oc.ManagerAgentID),
		orchestrator.WithMemory(st.memory),
		orchestrator.WithTaskLog(st.taskLog),
		orchestrator.WithSessions(sessions),
		orchestrator.WithAlerts(alerts),
		orchestrator.WithObserver(collectors),
	)

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭作业队列失败", slog.Any("error", err))
		}
	}()

	jobService := job.NewService(st.jobs, queue, cfg.Queue.MaxRetries)
	processor := job.NewProcessor(manager, st.jobs, queue, queue,
		job.WithWorkerCount(cfg.Queue.Workers),
		job.WithAlertDispatcher(alerts),
		job.WithMetrics(collectors),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	if oc.MemoryTTLHours > 0 {
		go purgeMemory(processorCtx, st.memory, time.Duration(oc.PurgeIntervalMinutes)*time.Minute, lg)
	}

	authSvc, err := auth.NewService(authConfig(cfg))
	if err != nil {
		return err
	}

	deps := api.Dependencies{
		Orchestrator: manager,
		Jobs:         jobService,
		Registry:     registrySvc,
		Memory:       st.memory,
		TaskLog:      st.taskLog,
		Sessions:     sessions,
		Auth:         authSvc,
		Metrics:      collectors,
		Ready:        st.ready,
	}
	server := api.NewServer(cfg.Server.Address, deps).
		WithShutdownTimeout(time.Duration(cfg.Server.ShutdownSeconds) * time.Second)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				lg.Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("nexusd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("llm", cfg.LLM.Provider))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		var taskLog tasklog.Store = tasklog.NewMemoryStore()
		if cfg.Storage.TaskLogPath != "" {
			fileStore, err := tasklog.NewFileStore(cfg.Storage.TaskLogPath)
			if err != nil {
				return nil, err
			}
			taskLog = fileStore
		}
		return &stores{
			agents:      registry.NewMemoryStore(),
			memory:      memory.NewMemoryStore(),
			taskLog:     taskLog,
			sessions:    session.NewMemoryStore(),
			validations: validation.NewMemoryStore(),
			jobs:        job.NewMemoryStore(),
			ready:       func(context.Context) error { return nil },
			close:       func() error { return nil },
		}, nil
	case "mysql", "sqlite":
		db, err := sqldb.Open(ctx, sqldb.Config{
			Driver:          cfg.Storage.Driver,
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			agents:      db.Agents(),
			memory:      db.Memory(),
			taskLog:     db.TaskLog(),
			sessions:    db.Sessions(),
			validations: db.Validations(),
			jobs:        db.Jobs(),
			ready:       db.Ping,
			close:       db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createQueue(cfg *config.Config) (job.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return job.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return job.NewRedisQueue(job.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Username: cfg.Queue.Redis.Username,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Name,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.Name,
			Exchange:   cfg.Queue.RabbitMQ.Exchange,
			RoutingKey: cfg.Queue.RabbitMQ.RoutingKey,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		oc := cfg.LLM.OpenAI
		apiKey := config.ResolveSecret(oc.APIKey, oc.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     oc.BaseURL,
			Model:       oc.Model,
			Temperature: oc.Temperature,
			MaxTokens:   oc.MaxTokens,
			Timeout:     time.Duration(oc.TimeoutSeconds) * time.Second,
		})
	case "anthropic":
		ac := cfg.LLM.Anthropic
		apiKey := config.ResolveSecret(ac.APIKey, ac.APIKeyEnv)
		if apiKey == "" && !ac.UseBedrock {
			return nil, errors.New("Anthropic provider 需要配置 api_key 或 api_key_env")
		}
		return anthropic.NewClient(ctx, anthropic.Config{
			APIKey:      apiKey,
			BaseURL:     ac.BaseURL,
			Model:       ac.Model,
			MaxTokens:   ac.MaxTokens,
			Temperature: ac.Temperature,
			Timeout:     time.Duration(ac.TimeoutSeconds) * time.Second,
			UseBedrock:  ac.UseBedrock,
			AWSRegion:   ac.AWSRegion,
			AWSProfile:  ac.AWSProfile,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func authConfig(cfg *config.Config) auth.Config {
	tokens := make([]auth.StaticToken, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.StaticToken{
			Token:  t.Token,
			UserID: t.UserID,
			Name:   t.Name,
			Scopes: t.Scopes,
		})
	}
	return auth.Config{
		Mode:   auth.Mode(cfg.Auth.Mode),
		Tokens: tokens,
		JWT: auth.JWTOptions{
			Secret:   config.ResolveSecret(cfg.Auth.JWT.Secret, cfg.Auth.JWT.SecretEnv),
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
		},
	}
}

// purgeMemory 周期性清理过期的记忆快照。
func purgeMemory(ctx context.Context, store memory.Store, interval time.Duration, lg *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Purge(ctx, now.UTC())
			if err != nil {
				lg.Warn("清理过期记忆失败", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				lg.Info("已清理过期记忆", slog.Int("removed", removed))
			}
		}
	}
}
