package memory

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	xerrors "AgentNexus/internal/errors"
)

// 常用的记忆类型。
const (
	TypeTaskResult     = "task_result"
	TypeInsight        = "insight"
	TypeSessionSummary = "session_summary"
	TypeCorrection     = "correction"
)

// Snapshot 是一条追加写入的记忆快照。同一 key 的更新以新快照表示，旧快照保持不变。
type Snapshot struct {
	ID         string          `json:"id"`
	AgentID    int64           `json:"agent_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id,omitempty"`
	MemoryType string          `json:"memory_type"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Tags       []string        `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// Expired 判断快照在 now 时刻是否已过期。
func (s Snapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// HasAnyTag 判断快照是否包含任一标签。tags 为空时视为匹配。
func (s Snapshot) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range s.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Clone 返回深拷贝。
func (s Snapshot) Clone() Snapshot {
	s.Value = append(json.RawMessage(nil), s.Value...)
	s.Tags = append([]string(nil), s.Tags...)
	if s.ExpiresAt != nil {
		ts := *s.ExpiresAt
		s.ExpiresAt = &ts
	}
	return s
}

// Query 描述记忆检索条件。零值字段不参与过滤。
type Query struct {
	AgentID   int64
	UserID    string
	SessionID string
	Key       string
	Types     []string
	Tags      []string
	// LatestOnly 为 true 时同一 (agent, key) 只返回最新的快照。
	LatestOnly bool
	Limit      int
}

// Matches 判断快照是否满足检索条件，不考虑过期与去重。
func (q Query) Matches(s Snapshot) bool {
	if q.AgentID != 0 && s.AgentID != q.AgentID {
		return false
	}
	if q.UserID != "" && s.UserID != q.UserID {
		return false
	}
	if q.SessionID != "" && s.SessionID != q.SessionID {
		return false
	}
	if q.Key != "" && s.Key != q.Key {
		return false
	}
	if len(q.Types) > 0 {
		ok := false
		for _, t := range q.Types {
			if t == s.MemoryType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return s.HasAnyTag(q.Tags)
}

// Select 对候选快照执行过滤、排序、去重与截断。candidates 需按写入顺序排列，
// 创建时间相同的快照以后写入者为新。过期快照会被丢弃。
func Select(candidates []Snapshot, q Query, now time.Time) []Snapshot {
	out := make([]Snapshot, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		s := candidates[i]
		if s.Expired(now) || !q.Matches(s) {
			continue
		}
		out = append(out, s.Clone())
	}
	SortNewestFirst(out)
	if q.LatestOnly {
		out = latestPerKey(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortNewestFirst 按创建时间倒序稳定排序。
func SortNewestFirst(list []Snapshot) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

type versionKey struct {
	agent int64
	key   string
}

func latestPerKey(sorted []Snapshot) []Snapshot {
	seen := make(map[versionKey]struct{}, len(sorted))
	out := sorted[:0]
	for _, s := range sorted {
		k := versionKey{s.AgentID, s.Key}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

const CodeSnapshotInvalid xerrors.Code = "MEMORY_SNAPSHOT_INVALID"

var (
	// ErrSnapshotNotFound 表示快照不存在或已过期。
	ErrSnapshotNotFound = xerrors.New(xerrors.CodeNotFound, "memory snapshot not found")
	// ErrSnapshotExists 表示快照 ID 已存在，记忆存储只允许追加。
	ErrSnapshotExists = xerrors.New(xerrors.CodeConflict, "memory snapshot already exists")
)

func init() {
	xerrors.Register(CodeSnapshotInvalid, xerrors.Attributes{Message: "memory snapshot invalid", Severity: xerrors.SeverityInfo})
}

// Validate 检查快照的必填字段。
func (s *Snapshot) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return xerrors.New(CodeSnapshotInvalid, "memory snapshot key is required")
	}
	if strings.TrimSpace(s.MemoryType) == "" {
		return xerrors.New(CodeSnapshotInvalid, "memory snapshot type is required")
	}
	if len(s.Value) == 0 {
		s.Value = json.RawMessage("null")
	}
	if !json.Valid(s.Value) {
		return xerrors.New(CodeSnapshotInvalid, "memory snapshot value must be valid JSON",
			xerrors.WithMetadata("key", s.Key))
	}
	return nil
}
