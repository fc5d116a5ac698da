package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentNexus/internal/memory"
)

// MemoryStore 在 memory_snapshots 表中追加保存记忆快照。
type MemoryStore struct {
	d *DB
}

var _ memory.Store = (*MemoryStore)(nil)

const snapshotColumns = `id, agent_id, user_id, session_id, memory_type, mem_key, payload, tags, created_at, expires_at`

// Append 追加快照，ID 重复时返回冲突。
func (s *MemoryStore) Append(ctx context.Context, snapshot *memory.Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.d.now().UTC()
	}
	tags, err := encodeJSON(snapshot.Tags)
	if err != nil {
		return err
	}
	_, err = s.d.db.ExecContext(ctx, `INSERT INTO memory_snapshots
    (`+snapshotColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.AgentID, snapshot.UserID, snapshot.SessionID, snapshot.MemoryType, snapshot.Key,
		string(snapshot.Value), tags, snapshot.CreatedAt.UnixMilli(), nullMillis(snapshot.ExpiresAt))
	if err != nil {
		if isDuplicate(err) {
			return memory.ErrSnapshotExists
		}
		return storageErr(err, "写入记忆快照失败")
	}
	return nil
}

// Get 按 ID 读取未过期的快照。
func (s *MemoryStore) Get(ctx context.Context, id string) (*memory.Snapshot, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM memory_snapshots
    WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`, id, s.d.nowMillis())
	snap, err := scanSnapshot(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrSnapshotNotFound
	}
	return snap, err
}

// Latest 返回 (agent, key) 的最新版本。
func (s *MemoryStore) Latest(ctx context.Context, agentID int64, key string) (*memory.Snapshot, error) {
	list, err := s.Query(ctx, memory.Query{AgentID: agentID, Key: key, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, memory.ErrSnapshotNotFound
	}
	return &list[0], nil
}

// History 返回 (agent, key) 的全部版本，最新在前。
func (s *MemoryStore) History(ctx context.Context, agentID int64, key string) ([]memory.Snapshot, error) {
	return s.Query(ctx, memory.Query{AgentID: agentID, Key: key})
}

// Query 在数据库侧按列过滤，标签、去重与截断交给 memory.Select 统一处理。
func (s *MemoryStore) Query(ctx context.Context, q memory.Query) ([]memory.Snapshot, error) {
	now := s.d.now()
	where := []string{"(expires_at IS NULL OR expires_at > ?)"}
	args := []any{now.UnixMilli()}
	if q.AgentID != 0 {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Key != "" {
		where = append(where, "mem_key = ?")
		args = append(args, q.Key)
	}
	if len(q.Types) > 0 {
		where = append(where, "memory_type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}

	rows, err := s.d.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM memory_snapshots
    WHERE `+strings.Join(where, " AND ")+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, storageErr(err, "查询记忆快照失败")
	}
	defer rows.Close()

	var candidates []memory.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历记忆快照失败")
	}
	return memory.Select(candidates, q, now), nil
}

// Purge 删除在 before 之前已过期的快照。
func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.d.db.ExecContext(ctx, `DELETE FROM memory_snapshots WHERE expires_at IS NOT NULL AND expires_at <= ?`, before.UnixMilli())
	if err != nil {
		return 0, storageErr(err, "清理过期记忆失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "读取清理数量失败")
	}
	return int(n), nil
}

func scanSnapshot(row rowScanner) (*memory.Snapshot, error) {
	var (
		snap      memory.Snapshot
		payload   string
		tags      sql.NullString
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&snap.ID, &snap.AgentID, &snap.UserID, &snap.SessionID, &snap.MemoryType, &snap.Key,
		&payload, &tags, &createdAt, &expiresAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr(err, "解析记忆快照失败")
	}
	snap.Value = []byte(payload)
	if err := decodeJSON(tags, &snap.Tags); err != nil {
		return nil, err
	}
	snap.CreatedAt = fromMillis(createdAt)
	snap.ExpiresAt = timePtr(expiresAt)
	return &snap, nil
}
