package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	"github.com/google/uuid"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/validation"
)

// ValidationStore 在 validation_requests 表中保存复核请求。
type ValidationStore struct {
	d *DB
}

var _ validation.Store = (*ValidationStore)(nil)

const validationColumns = `id, workflow_id, requesting_agent_id, validation_agent_id, review_type, request_data, response_data, status, created_at, updated_at`

// Create 写入 pending 状态的复核请求。
func (s *ValidationStore) Create(ctx context.Context, req *validation.Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "validation request is nil")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.d.now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = validation.RequestPending
	}
	_, err := s.d.db.ExecContext(ctx, `INSERT INTO validation_requests (`+validationColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.WorkflowID, req.RequestingAgentID, req.ValidationAgentID, string(req.Type),
		nullRaw(req.RequestData), nullRaw(req.ResponseData), string(req.Status),
		req.CreatedAt.UnixMilli(), req.UpdatedAt.UnixMilli())
	if err != nil {
		if isDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "validation request already exists")
		}
		return storageErr(err, "写入复核请求失败")
	}
	return nil
}

// Resolve 仅更新仍为 pending 的请求，已有结论时返回 ALREADY_COMPLETED。
func (s *ValidationStore) Resolve(ctx context.Context, id string, status validation.RequestStatus, response json.RawMessage) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE validation_requests SET status = ?, response_data = ?, updated_at = ?
    WHERE id = ? AND status = ?`,
		string(status), nullRaw(response), s.d.nowMillis(), id, string(validation.RequestPending))
	if err != nil {
		return storageErr(err, "更新复核请求失败")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeAlreadyCompleted, "validation request already resolved",
		xerrors.WithMetadata("request_id", id))
}

// Get 读取复核请求。
func (s *ValidationStore) Get(ctx context.Context, id string) (*validation.Request, error) {
	req, err := scanValidation(s.d.db.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_requests WHERE id = ?`, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, validation.ErrRequestNotFound
	}
	return req, err
}

// ListByWorkflow 按写入顺序返回工作流的全部复核请求。
func (s *ValidationStore) ListByWorkflow(ctx context.Context, workflowID string) ([]validation.Request, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+validationColumns+` FROM validation_requests WHERE workflow_id = ? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, storageErr(err, "查询复核请求失败")
	}
	defer rows.Close()

	var out []validation.Request
	for rows.Next() {
		req, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历复核请求失败")
	}
	return out, nil
}

func scanValidation(row rowScanner) (*validation.Request, error) {
	var (
		req                  validation.Request
		reviewType, status   string
		requestData, reply   sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&req.ID, &req.WorkflowID, &req.RequestingAgentID, &req.ValidationAgentID, &reviewType,
		&requestData, &reply, &status, &createdAt, &updatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr(err, "解析复核请求失败")
	}
	req.Type = validation.ReviewType(reviewType)
	req.Status = validation.RequestStatus(status)
	if requestData.Valid {
		req.RequestData = json.RawMessage(requestData.String)
	}
	if reply.Valid {
		req.ResponseData = json.RawMessage(reply.String)
	}
	req.CreatedAt = fromMillis(createdAt)
	req.UpdatedAt = fromMillis(updatedAt)
	return &req, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
