package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/registry"
)

// commander 是缓存用到的 Redis 命令子集，redis.UniversalClient 满足该接口。
type commander interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Config 描述缓存连接。
type Config struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// SnapshotCache 将名册快照以 JSON 形式保存在 Redis 中。
type SnapshotCache struct {
	client commander
	closer func() error
	key    string
	ttl    time.Duration
}

var _ registry.SnapshotCache = (*SnapshotCache)(nil)

// NewSnapshotCache 建立连接并确认 Redis 可用。
func NewSnapshotCache(ctx context.Context, cfg Config) (*SnapshotCache, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis 地址不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	cache := NewSnapshotCacheWithClient(client, cfg.KeyPrefix, cfg.TTL)
	cache.closer = client.Close
	return cache, nil
}

// NewSnapshotCacheWithClient 复用已有客户端。
func NewSnapshotCacheWithClient(client commander, prefix string, ttl time.Duration) *SnapshotCache {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "nexus"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SnapshotCache{client: client, key: prefix + ":registry:snapshot", ttl: ttl}
}

// Key 返回快照所在的键。
func (c *SnapshotCache) Key() string { return c.key }

// Load 读取缓存的代理列表，未命中时 ok 为 false。
func (c *SnapshotCache) Load(ctx context.Context) ([]registry.Agent, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取名册缓存失败")
	}
	var agents []registry.Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		// 损坏的缓存按未命中处理，由调用方回源后覆盖。
		return nil, false, nil
	}
	return agents, true, nil
}

// Save 覆盖缓存并设置过期时间。
func (c *SnapshotCache) Save(ctx context.Context, agents []registry.Agent) error {
	if agents == nil {
		agents = []registry.Agent{}
	}
	data, err := json.Marshal(agents)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化名册失败")
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入名册缓存失败")
	}
	return nil
}

// Invalidate 删除缓存。
func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理名册缓存失败")
	}
	return nil
}

// Close 关闭自建的连接。
func (c *SnapshotCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
