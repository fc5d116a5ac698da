package memory

import (
	"context"
	"time"
)

// Store 定义记忆快照的持久化接口。所有读取都不会返回已过期的快照。
type Store interface {
	Append(ctx context.Context, snapshot *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	Latest(ctx context.Context, agentID int64, key string) (*Snapshot, error)
	// History 返回同一 (agent, key) 的全部未过期版本，最新在前。
	History(ctx context.Context, agentID int64, key string) ([]Snapshot, error)
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	// Purge 物理删除在 before 之前已过期的快照，返回删除数量。
	Purge(ctx context.Context, before time.Time) (int, error)
}
