package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"AgentNexus/internal/registry"
)

// AgentStore 在 agents 表中维护代理名册。
type AgentStore struct {
	d *DB
}

var _ registry.Store = (*AgentStore)(nil)

const agentColumns = `id, name, description, system_prompt, capability_tags, enabled, team_id,
    tasks_completed, tasks_failed, error_count, total_latency_ms, created_at, updated_at`

// List 返回全部代理，按 ID 排序。
func (s *AgentStore) List(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr(err, "查询代理名册失败")
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历代理名册失败")
	}
	return agents, nil
}

// Get 按 ID 读取代理。
func (s *AgentStore) Get(ctx context.Context, id int64) (*registry.Agent, error) {
	row := s.d.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrAgentNotFound
	}
	return agent, err
}

// Upsert 按名称注册或更新代理，指标列保持不变。
func (s *AgentStore) Upsert(ctx context.Context, agent *registry.Agent) error {
	if agent == nil {
		return registry.ErrAgentNotFound
	}
	if err := agent.Validate(); err != nil {
		return err
	}
	tags, err := encodeJSON(agent.CapabilityTags)
	if err != nil {
		return err
	}
	now := s.d.nowMillis()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启事务失败")
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM agents WHERE LOWER(name) = ?`, strings.ToLower(agent.Name)).Scan(&id)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `INSERT INTO agents
    (name, description, system_prompt, capability_tags, enabled, team_id, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			agent.Name, agent.Description, agent.SystemPrompt, tags, agent.Enabled, agent.TeamID, now, now)
		if err != nil {
			return storageErr(err, "写入代理失败")
		}
		if id, err = res.LastInsertId(); err != nil {
			return storageErr(err, "读取代理 ID 失败")
		}
	case err != nil:
		return storageErr(err, "查询代理失败")
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET description = ?, system_prompt = ?, capability_tags = ?, enabled = ?, team_id = ?, updated_at = ?
    WHERE id = ?`,
			agent.Description, agent.SystemPrompt, tags, agent.Enabled, agent.TeamID, now, id); err != nil {
			return storageErr(err, "更新代理失败")
		}
	}

	stored, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "提交事务失败")
	}
	*agent = *stored
	return nil
}

// SetEnabled 修改启用状态。
func (s *AgentStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE agents SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, s.d.nowMillis(), id)
	if err != nil {
		return storageErr(err, "更新代理状态失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// RecordOutcome 以单条语句累加计数，并发写入互不覆盖。
func (s *AgentStore) RecordOutcome(ctx context.Context, id int64, outcome registry.Outcome) error {
	var completed, failed int64
	if outcome.Success {
		completed = 1
	} else {
		failed = 1
	}
	res, err := s.d.db.ExecContext(ctx, `UPDATE agents SET tasks_completed = tasks_completed + ?, tasks_failed = tasks_failed + ?,
    error_count = error_count + ?, total_latency_ms = total_latency_ms + ? WHERE id = ?`,
		completed, failed, int64(outcome.Errors), outcome.Latency.Milliseconds(), id)
	if err != nil {
		return storageErr(err, "更新代理指标失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// ensureAffected 在未命中行时区分代理不存在与值未变化。
func (s *AgentStore) ensureAffected(ctx context.Context, res sql.Result, id int64) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var exists int64
	err := s.d.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE id = ?`, id).Scan(&exists)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return registry.ErrAgentNotFound
	}
	if err != nil {
		return storageErr(err, "查询代理失败")
	}
	return nil
}

func scanAgent(row rowScanner) (*registry.Agent, error) {
	var (
		agent                     registry.Agent
		description, prompt, tags sql.NullString
		createdAt, updatedAt      int64
	)
	err := row.Scan(&agent.ID, &agent.Name, &description, &prompt, &tags, &agent.Enabled, &agent.TeamID,
		&agent.Metrics.TasksCompleted, &agent.Metrics.TasksFailed, &agent.Metrics.ErrorCount, &agent.Metrics.TotalLatencyMs,
		&createdAt, &updatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr(err, "解析代理记录失败")
	}
	agent.Description = description.String
	agent.SystemPrompt = prompt.String
	if err := decodeJSON(tags, &agent.CapabilityTags); err != nil {
		return nil, err
	}
	agent.CreatedAt = fromMillis(createdAt)
	agent.UpdatedAt = fromMillis(updatedAt)
	return &agent, nil
}
