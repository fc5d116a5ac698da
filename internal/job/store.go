package job

import (
	"context"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/orchestrator"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 把作业置为运行中并累加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, report *orchestrator.Report) error
	// MarkFailed 记录失败；terminal 为 false 时作业回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool, report *orchestrator.Report) error
	// Release 把运行中的作业退回 pending，并退还本次尝试。
	Release(ctx context.Context, id string, reason string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了作业状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Add 把单个作业计入统计。
func (s *Stats) Add(status Status, updatedAt int64) {
	s.AddGroup(status, 1, updatedAt, updatedAt)
}

// AddGroup 合并同一状态的一组作业，oldest/newest 为该组的更新时间范围。
func (s *Stats) AddGroup(status Status, count int, oldest, newest int64) {
	if count <= 0 {
		return
	}
	s.Total += count
	switch status {
	case StatusPending:
		s.Pending += count
	case StatusRunning:
		s.Running += count
	case StatusSucceeded:
		s.Succeeded += count
	case StatusFailed:
		s.Failed += count
	}
	if newest > s.NewestUpdatedAt {
		s.NewestUpdatedAt = newest
	}
	if s.OldestUpdatedAt == 0 || (oldest != 0 && oldest < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = oldest
	}
}
