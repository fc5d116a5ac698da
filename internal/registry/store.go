package registry

import "context"

// Store 定义代理名册的持久化接口。
type Store interface {
	List(ctx context.Context) ([]Agent, error)
	Get(ctx context.Context, id int64) (*Agent, error)
	// Upsert 按名称注册或更新代理的描述、能力与启用状态，不修改指标。
	Upsert(ctx context.Context, agent *Agent) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// RecordOutcome 原子地累加指标计数。
	RecordOutcome(ctx context.Context, id int64, outcome Outcome) error
}
