package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/pkg/logger"
)

// Manager 负责会话的解析、续期与关闭。
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager 创建会话管理器，ttl 为 0 时会话不过期。
func NewManager(store Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl, now: time.Now, logger: logger.Named("session")}
}

// Resolve 返回可用的会话。id 为空、会话已关闭或已过期时创建新会话。
func (m *Manager) Resolve(ctx context.Context, userID, id string) (*Session, error) {
	if id != "" {
		s, err := m.store.Get(ctx, id)
		switch {
		case err == nil:
			if s.UserID != "" && userID != "" && s.UserID != userID {
				return nil, ErrSessionForbidden
			}
			now := m.now()
			if s.Status == StatusClosed {
				break
			}
			if s.Expired(now) {
				s.Status = StatusClosed
				s.UpdatedAt = now.UTC()
				if err := m.store.Update(ctx, s); err != nil {
					m.logger.Warn("关闭过期会话失败", slog.String("session_id", s.ID), slog.Any("error", err))
				}
				break
			}
			if s.Status == StatusPaused {
				s.Status = StatusActive
			}
			return s, nil
		case xerrors.CodeOf(err) == xerrors.CodeNotFound:
		default:
			return nil, err
		}
	}
	return m.create(ctx, userID, id)
}

func (m *Manager) create(ctx context.Context, userID, requestedID string) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusActive,
		Context:   map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if requestedID != "" {
		s.Context["previous_session_id"] = requestedID
	}
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		s.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "create session")
	}
	return s, nil
}

// Touch 记录最近一次命令并合并上下文，同时顺延过期时间。
func (m *Manager) Touch(ctx context.Context, s *Session, command string, delta map[string]any) error {
	now := m.now().UTC()
	s.LastCommand = command
	s.UpdatedAt = now
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	for k, v := range delta {
		s.Context[k] = v
	}
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		s.ExpiresAt = &exp
	}
	return m.store.Update(ctx, s)
}

// Get 读取会话。
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Close 关闭会话。
func (m *Manager) Close(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Status = StatusClosed
	s.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
