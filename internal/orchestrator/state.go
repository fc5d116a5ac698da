package orchestrator

import (
	"fmt"
	"sync"
	"time"

	xerrors "AgentNexus/internal/errors"
)

// State 表示工作流状态。
type State string

const (
	StateReceived              State = "received"
	StateDecomposed            State = "decomposed"
	StateClarificationRequired State = "clarification_required"
	StatePlanValidated         State = "plan_validated"
	StateDelegating            State = "delegating"
	StateEscalated             State = "escalated"
	StateResultsCollected      State = "results_collected"
	StateResultValidated       State = "result_validated"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

var stateTransitions = map[State][]State{
	StateReceived:              {StateDecomposed, StateFailed},
	StateDecomposed:            {StatePlanValidated, StateClarificationRequired, StateFailed},
	StateClarificationRequired: {StateReceived},
	StatePlanValidated:         {StateDelegating, StateFailed},
	StateDelegating:            {StateEscalated, StateResultsCollected, StateFailed},
	StateEscalated:             {StateEscalated, StateDelegating, StateResultsCollected, StateFailed},
	StateResultsCollected:      {StateEscalated, StateResultValidated, StateFailed},
	StateResultValidated:       {StateCompleted, StateFailed},
}

// CanAdvance 判断状态迁移是否合法。
func CanAdvance(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 判断状态是否为终态。clarification_required 在当前请求内视为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateClarificationRequired
}

// Transition 是一次状态迁移记录。
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// machine 保存工作流状态，委派阶段会被多个 goroutine 并发推进。
type machine struct {
	mu          sync.Mutex
	state       State
	transitions []Transition
	now         func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{state: StateReceived, now: now}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) advance(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanAdvance(m.state, to) {
		return xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("workflow cannot move from %s to %s", m.state, to),
			xerrors.WithMetadata("from", string(m.state)),
			xerrors.WithMetadata("to", string(to)))
	}
	m.transitions = append(m.transitions, Transition{From: m.state, To: to, Reason: reason, At: m.now().UTC()})
	m.state = to
	return nil
}

// fail 把工作流置为 failed，已是终态时忽略。
func (m *machine) fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.transitions = append(m.transitions, Transition{From: m.state, To: StateFailed, Reason: reason, At: m.now().UTC()})
	m.state = StateFailed
}

func (m *machine) history() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}
