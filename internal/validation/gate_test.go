package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/llm"
	"AgentNexus/internal/registry"
)

type stubConsulter struct {
	content string
	err     error
	calls   int
	last    llm.Request
}

func (s *stubConsulter) Consult(_ context.Context, req llm.Request) (llm.Output, int, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return llm.Output{}, 0, s.err
	}
	out, err := llm.ParseOutput(s.content)
	return out, 7, err
}

func snapshotWith(enabled bool) registry.Snapshot {
	return registry.NewSnapshot([]registry.Agent{
		{ID: 1, Name: "Generalist", CapabilityTags: []string{"analysis"}, Enabled: true},
		{ID: 9, Name: DefaultAgentName, CapabilityTags: []string{DefaultCapability}, Enabled: enabled},
	}, time.Now())
}

func payload() Payload {
	return Payload{WorkflowID: "wf-1", RequestingAgentID: 1, Data: map[string]any{"tasks": []string{"backend"}}}
}

func TestReviewApprovedStructured(t *testing.T) {
	consulter := &stubConsulter{content: `{"approved": true, "feedback": "looks fine"}`}
	store := NewMemoryStore()
	gate := NewGate(consulter, WithStore(store))

	verdict, err := gate.Review(context.Background(), snapshotWith(true), PlanReview, payload())
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
	assert.False(t, verdict.Pending)
	assert.Equal(t, "looks fine", verdict.Feedback)
	assert.Equal(t, int64(9), verdict.AgentID)
	assert.Equal(t, 7, verdict.TokensUsed)
	assert.Contains(t, consulter.last.TaskDescription, "backend")

	req, err := store.Get(context.Background(), verdict.RequestID)
	require.NoError(t, err)
	assert.Equal(t, RequestApproved, req.Status)
	assert.Equal(t, int64(9), req.ValidationAgentID)
	assert.NotEmpty(t, req.ResponseData)
}

func TestReviewRejectedFreeText(t *testing.T) {
	consulter := &stubConsulter{content: "REJECTED: add a security review"}
	store := NewMemoryStore()
	gate := NewGate(consulter, WithStore(store))

	verdict, err := gate.Review(context.Background(), snapshotWith(true), PlanReview, payload())
	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	assert.Equal(t, "add a security review", verdict.Feedback)

	req, _ := store.Get(context.Background(), verdict.RequestID)
	assert.Equal(t, RequestRejected, req.Status)
}

func TestResultReviewIsCompleted(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(&stubConsulter{content: "APPROVED"}, WithStore(store))

	verdict, err := gate.Review(context.Background(), snapshotWith(true), ResultReview, payload())
	require.NoError(t, err)
	req, _ := store.Get(context.Background(), verdict.RequestID)
	assert.Equal(t, RequestCompleted, req.Status)
}

func TestReviewDisabledAgentFailOpen(t *testing.T) {
	consulter := &stubConsulter{}
	store := NewMemoryStore()
	gate := NewGate(consulter, WithStore(store))

	verdict, err := gate.Review(context.Background(), snapshotWith(false), PlanReview, payload())
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
	assert.True(t, verdict.Pending)
	assert.Contains(t, verdict.Feedback, "validation pending")
	assert.Zero(t, consulter.calls)

	reqs, _ := store.ListByWorkflow(context.Background(), "wf-1")
	require.Len(t, reqs, 1)
	assert.Equal(t, RequestApproved, reqs[0].Status)
	assert.Contains(t, string(reqs[0].ResponseData), "validation pending")

	result, err := gate.Review(context.Background(), snapshotWith(false), ResultReview, payload())
	require.NoError(t, err)
	req, err := store.Get(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, RequestCompleted, req.Status)
}

func TestReviewDisabledAgentFailClosed(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(&stubConsulter{}, WithPolicy(PolicyFailClosed), WithStore(store))
	verdict, err := gate.Review(context.Background(), snapshotWith(false), PlanReview, payload())
	assert.Equal(t, xerrors.CodeValidationUnavailable, xerrors.CodeOf(err))

	req, err := store.Get(context.Background(), verdict.RequestID)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, req.Status)
}

func TestReviewFindsAgentByCapability(t *testing.T) {
	snap := registry.NewSnapshot([]registry.Agent{
		{ID: 4, Name: "Auditor", CapabilityTags: []string{"validation/review"}, Enabled: true},
	}, time.Now())
	gate := NewGate(&stubConsulter{content: "APPROVED"})
	verdict, err := gate.Review(context.Background(), snap, PlanReview, payload())
	require.NoError(t, err)
	assert.Equal(t, int64(4), verdict.AgentID)
}

func TestReviewMalformedReply(t *testing.T) {
	for _, content := range []string{"maybe later", `{"approved": "yes"}`, `{"feedback": "ok"}`} {
		gate := NewGate(&stubConsulter{content: content})
		_, err := gate.Review(context.Background(), snapshotWith(true), PlanReview, payload())
		assert.Equal(t, xerrors.CodeValidationMalformed, xerrors.CodeOf(err), content)
		assert.False(t, xerrors.RetryableError(err))
	}
}

func TestReviewConsultFailureFollowsPolicy(t *testing.T) {
	failure := xerrors.New(xerrors.CodeRetryBudgetExhausted, "gave up")

	open := NewGate(&stubConsulter{err: failure})
	verdict, err := open.Review(context.Background(), snapshotWith(true), PlanReview, payload())
	require.NoError(t, err)
	assert.True(t, verdict.Pending)

	closed := NewGate(&stubConsulter{err: failure}, WithPolicy(PolicyFailClosed))
	_, err = closed.Review(context.Background(), snapshotWith(true), PlanReview, payload())
	assert.Equal(t, xerrors.CodeValidationUnavailable, xerrors.CodeOf(err))
}

func TestReviewCancellationIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gate := NewGate(&stubConsulter{err: xerrors.Wrap(xerrors.CodeCancelled, context.Canceled, "cancelled")})
	_, err := gate.Review(ctx, snapshotWith(true), PlanReview, payload())
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
}

type brokenStore struct{ Store }

func (brokenStore) Create(context.Context, *Request) error { return errors.New("db down") }

func TestReviewPersistenceFailureDoesNotAbort(t *testing.T) {
	gate := NewGate(&stubConsulter{content: "APPROVED"}, WithStore(brokenStore{}))
	verdict, err := gate.Review(context.Background(), snapshotWith(true), PlanReview, payload())
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
}

func TestMemoryStoreResolveOnce(t *testing.T) {
	store := NewMemoryStore()
	req := &Request{WorkflowID: "wf", Type: PlanReview}
	require.NoError(t, store.Create(context.Background(), req))
	require.NoError(t, store.Resolve(context.Background(), req.ID, RequestApproved, nil))
	err := store.Resolve(context.Background(), req.ID, RequestRejected, nil)
	assert.Equal(t, xerrors.CodeAlreadyCompleted, xerrors.CodeOf(err))
	assert.ErrorIs(t, store.Resolve(context.Background(), "missing", RequestApproved, nil), ErrRequestNotFound)
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyFailClosed, ParsePolicy(" FAIL_CLOSED "))
	assert.Equal(t, PolicyFailOpen, ParsePolicy("whatever"))
}
