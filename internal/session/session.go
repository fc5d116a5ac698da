package session

import (
	"context"
	"time"

	xerrors "AgentNexus/internal/errors"
)

// Status 表示会话状态。
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

// Session 表示一个用户会话。
type Session struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Status      Status         `json:"status"`
	Context     map[string]any `json:"context,omitempty"`
	LastCommand string         `json:"last_command,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Expired 判断会话是否过期。
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Clone 返回副本，Context 做浅拷贝。
func (s Session) Clone() Session {
	if s.Context != nil {
		ctx := make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			ctx[k] = v
		}
		s.Context = ctx
	}
	if s.ExpiresAt != nil {
		ts := *s.ExpiresAt
		s.ExpiresAt = &ts
	}
	return s
}

// Store 定义会话持久化接口。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
}

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")
	// ErrSessionForbidden 表示会话属于其他用户。
	ErrSessionForbidden = xerrors.New(xerrors.CodeUnauthorized, "session belongs to another user")
)
