package validation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentNexus/internal/errors"
)

// ReviewType 区分复核的对象。
type ReviewType string

const (
	PlanReview   ReviewType = "plan_review"
	ResultReview ReviewType = "result_review"
)

// RequestStatus 表示复核请求的状态。
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
)

// Terminal 判断状态是否已有结论。
func (s RequestStatus) Terminal() bool { return s != RequestPending }

// Request 是一次复核的持久化记录。
type Request struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	RequestingAgentID int64           `json:"requesting_agent_id"`
	ValidationAgentID int64           `json:"validation_agent_id"`
	Type              ReviewType      `json:"type"`
	RequestData       json.RawMessage `json:"request_data"`
	ResponseData      json.RawMessage `json:"response_data,omitempty"`
	Status            RequestStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Store 定义复核请求的持久化接口。
type Store interface {
	Create(ctx context.Context, req *Request) error
	// Resolve 记录复核结论。已有结论的请求返回 ALREADY_COMPLETED。
	Resolve(ctx context.Context, id string, status RequestStatus, response json.RawMessage) error
	Get(ctx context.Context, id string) (*Request, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]Request, error)
}

// ErrRequestNotFound 表示复核请求不存在。
var ErrRequestNotFound = xerrors.New(xerrors.CodeNotFound, "validation request not found")

// MemoryStore 是进程内的 Store 实现。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Request
	order []string
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Request), now: time.Now}
}

// Create 实现 Store。
func (s *MemoryStore) Create(ctx context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "validation request is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, ok := s.items[req.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "validation request already exists")
	}
	now := s.now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now
	if req.Status == "" {
		req.Status = RequestPending
	}
	copied := *req
	s.items[req.ID] = &copied
	s.order = append(s.order, req.ID)
	return nil
}

// Resolve 实现 Store。
func (s *MemoryStore) Resolve(ctx context.Context, id string, status RequestStatus, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrRequestNotFound
	}
	if item.Status.Terminal() {
		return xerrors.New(xerrors.CodeAlreadyCompleted, "validation request already resolved")
	}
	item.Status = status
	item.ResponseData = append(json.RawMessage(nil), response...)
	item.UpdatedAt = s.now().UTC()
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	copied := *item
	return &copied, nil
}

// ListByWorkflow 实现 Store，按创建顺序返回。
func (s *MemoryStore) ListByWorkflow(ctx context.Context, workflowID string) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Request
	for _, id := range s.order {
		if item := s.items[id]; item.WorkflowID == workflowID {
			out = append(out, *item)
		}
	}
	return out, nil
}
