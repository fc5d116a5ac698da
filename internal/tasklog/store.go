package tasklog

import "context"

// Store 定义任务日志的持久化接口。条目一经写入不可修改。
type Store interface {
	// Append 分配 ID 与单调递增的 Seq 后写入。
	Append(ctx context.Context, entry *Entry) error
	// List 按 Seq 升序返回满足条件的条目。
	List(ctx context.Context, filter Filter) ([]Entry, error)
}
