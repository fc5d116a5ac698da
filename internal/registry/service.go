package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentNexus/pkg/logger"
)

// SnapshotCache 在多个进程之间共享名册快照。
type SnapshotCache interface {
	Load(ctx context.Context) ([]Agent, bool, error)
	Save(ctx context.Context, agents []Agent) error
	Invalidate(ctx context.Context) error
}

// Service 封装名册存储，并按固定间隔刷新只读快照。
type Service struct {
	store   Store
	cache   SnapshotCache
	refresh time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	current Snapshot
	loaded  bool
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithCache 设置共享快照缓存。
func WithCache(cache SnapshotCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithRefreshInterval 设置快照刷新间隔。
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 创建名册服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		refresh: 15 * time.Second,
		now:     time.Now,
		logger:  logger.Named("registry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Snapshot 返回当前快照，过期时重新加载。
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.loaded && now.Sub(s.current.TakenAt()) < s.refresh {
		return s.current, nil
	}

	if s.cache != nil {
		agents, ok, err := s.cache.Load(ctx)
		if err != nil {
			s.logger.Warn("读取名册缓存失败", slog.Any("error", err))
		} else if ok {
			s.current = NewSnapshot(agents, now)
			s.loaded = true
			return s.current, nil
		}
	}

	agents, err := s.store.List(ctx)
	if err != nil {
		if s.loaded {
			s.logger.Warn("刷新名册失败，继续使用旧快照", slog.Any("error", err))
			return s.current, nil
		}
		return Snapshot{}, err
	}
	if s.cache != nil {
		if err := s.cache.Save(ctx, agents); err != nil {
			s.logger.Warn("写入名册缓存失败", slog.Any("error", err))
		}
	}
	s.current = NewSnapshot(agents, now)
	s.loaded = true
	return s.current, nil
}

// Invalidate 使下一次 Snapshot 重新读取存储。
func (s *Service) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn("清理名册缓存失败", slog.Any("error", err))
		}
	}
}

// List 直接读取存储。
func (s *Service) List(ctx context.Context) ([]Agent, error) {
	return s.store.List(ctx)
}

// Get 直接读取存储。
func (s *Service) Get(ctx context.Context, id int64) (*Agent, error) {
	return s.store.Get(ctx, id)
}

// Register 注册或更新代理。
func (s *Service) Register(ctx context.Context, agent *Agent) error {
	if err := s.store.Upsert(ctx, agent); err != nil {
		return err
	}
	s.Invalidate(ctx)
	logger.Audit().Info("agent registered",
		slog.Int64("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.Any("capabilities", agent.CapabilityTags),
		slog.Bool("enabled", agent.Enabled))
	return nil
}

// SetEnabled 启用或禁用代理。
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.store.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.Invalidate(ctx)
	logger.Audit().Info("agent toggled", slog.Int64("agent_id", id), slog.Bool("enabled", enabled))
	return nil
}

// RecordOutcome 更新代理指标。
func (s *Service) RecordOutcome(ctx context.Context, id int64, outcome Outcome) error {
	return s.store.RecordOutcome(ctx, id, outcome)
}
