package sqldb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"AgentNexus/internal/plan"
	"AgentNexus/internal/tasklog"
)

// TaskLogStore 在 task_log 表中追加日志，Seq 由自增主键分配。
type TaskLogStore struct {
	d *DB
}

var _ tasklog.Store = (*TaskLogStore)(nil)

const taskLogColumns = `seq, id, workflow_id, task_id, agent_id, user_id, session_id, kind, status, substeps,
    input, output, reason, attempts, duration_ms, metadata, created_at`

// Append 写入条目并回填 ID、Seq 与创建时间。
func (s *TaskLogStore) Append(ctx context.Context, entry *tasklog.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.d.now().UTC()
	}
	substeps, err := encodeJSON(entry.Substeps)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return err
	}
	res, err := s.d.db.ExecContext(ctx, `INSERT INTO task_log
    (id, workflow_id, task_id, agent_id, user_id, session_id, kind, status, substeps, input, output, reason, attempts, duration_ms, metadata, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkflowID, entry.TaskID, entry.AgentID, entry.UserID, entry.SessionID,
		string(entry.Kind), string(entry.Status), substeps, entry.Input, entry.Output, entry.Reason,
		entry.Attempts, entry.DurationMs, metadata, entry.CreatedAt.UnixMilli())
	if err != nil {
		return storageErr(err, "写入任务日志失败")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr(err, "读取日志序号失败")
	}
	entry.Seq = seq
	return nil
}

// List 按 Seq 升序返回条目；Limit 生效时取最近的若干条。
func (s *TaskLogStore) List(ctx context.Context, filter tasklog.Filter) ([]tasklog.Entry, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.AgentID != 0 {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}

	query := `SELECT ` + taskLogColumns + ` FROM task_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query += ` ORDER BY seq DESC LIMIT ?`
		args = append(args, filter.Limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询任务日志失败")
	}
	defer rows.Close()

	var entries []tasklog.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历任务日志失败")
	}
	if filter.Limit > 0 {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

func scanEntry(row rowScanner) (tasklog.Entry, error) {
	var (
		entry                                     tasklog.Entry
		kind, status                              string
		substeps, input, output, reason, metadata sql.NullString
		createdAt                                 int64
	)
	err := row.Scan(&entry.Seq, &entry.ID, &entry.WorkflowID, &entry.TaskID, &entry.AgentID, &entry.UserID, &entry.SessionID,
		&kind, &status, &substeps, &input, &output, &reason, &entry.Attempts, &entry.DurationMs, &metadata, &createdAt)
	if err != nil {
		return entry, storageErr(err, "解析任务日志失败")
	}
	entry.Kind = tasklog.Kind(kind)
	entry.Status = plan.TaskStatus(status)
	entry.Input = input.String
	entry.Output = output.String
	entry.Reason = reason.String
	if err := decodeJSON(substeps, &entry.Substeps); err != nil {
		return entry, err
	}
	if err := decodeJSON(metadata, &entry.Metadata); err != nil {
		return entry, err
	}
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}
