package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"AgentNexus/internal/session"
)

// SessionStore 在 sessions 表中保存会话。
type SessionStore struct {
	d *DB
}

var _ session.Store = (*SessionStore)(nil)

const sessionColumns = `id, user_id, status, context, last_command, created_at, updated_at, expires_at`

// Create 写入新会话。
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	payload, err := encodeJSON(sess.Context)
	if err != nil {
		return err
	}
	_, err = s.d.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Status), payload, sess.LastCommand,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), nullMillis(sess.ExpiresAt))
	if err != nil {
		if isDuplicate(err) {
			return storageErr(err, "会话已存在")
		}
		return storageErr(err, "写入会话失败")
	}
	return nil
}

// Get 读取会话。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess                 session.Session
		status               string
		payload, lastCommand sql.NullString
		createdAt, updatedAt int64
		expiresAt            sql.NullInt64
	)
	err := s.d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &status, &payload, &lastCommand, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, storageErr(err, "查询会话失败")
	}
	sess.Status = session.Status(status)
	sess.LastCommand = lastCommand.String
	if err := decodeJSON(payload, &sess.Context); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.ExpiresAt = timePtr(expiresAt)
	return &sess, nil
}

// Update 覆盖会话的可变字段。
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	payload, err := encodeJSON(sess.Context)
	if err != nil {
		return err
	}
	res, err := s.d.db.ExecContext(ctx, `UPDATE sessions SET status = ?, context = ?, last_command = ?, updated_at = ?, expires_at = ?
    WHERE id = ?`,
		string(sess.Status), payload, sess.LastCommand, sess.UpdatedAt.UnixMilli(), nullMillis(sess.ExpiresAt), sess.ID)
	if err != nil {
		return storageErr(err, "更新会话失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := s.Get(ctx, sess.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}
