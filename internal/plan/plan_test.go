package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentNexus/internal/errors"
)

func TestTransitionRules(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Status: StatusPending}

	err := task.Transition(StatusCompleted, now)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidTransition, xerrors.CodeOf(err))

	require.NoError(t, task.Transition(StatusInProgress, now))
	require.NoError(t, task.Transition(StatusCompleted, now))
	assert.NotNil(t, task.CompletedAt)

	err = task.Transition(StatusFailed, now)
	require.Error(t, err, "completed tasks are immutable")
}

func TestPendingTaskMayFailWithoutRunning(t *testing.T) {
	task := &Task{ID: "t1", Status: StatusPending}
	require.NoError(t, task.Transition(StatusFailed, time.Now()))
	assert.True(t, task.Terminal())
}

func TestLayersOrdersByDependency(t *testing.T) {
	a := &Task{ID: "a"}
	b := &Task{ID: "b", DependsOn: []string{"a"}}
	c := &Task{ID: "c"}
	d := &Task{ID: "d", DependsOn: []string{"b", "c"}}

	layers, err := Layers([]*Task{a, b, c, d})
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []*Task{a, c}, layers[0])
	assert.Equal(t, []*Task{b}, layers[1])
	assert.Equal(t, []*Task{d}, layers[2])
}

func TestLayersDetectsCycle(t *testing.T) {
	a := &Task{ID: "a", DependsOn: []string{"b"}}
	b := &Task{ID: "b", DependsOn: []string{"a"}}

	_, err := Layers([]*Task{a, b})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeCyclicPlan, xerrors.CodeOf(err))

	p := &Plan{Tasks: []*Task{{ID: "x", DependsOn: []string{"x"}}}}
	assert.Equal(t, xerrors.CodeCyclicPlan, xerrors.CodeOf(p.Validate()))
}

func TestLayersRejectsUnknownDependency(t *testing.T) {
	_, err := Layers([]*Task{{ID: "a", DependsOn: []string{"missing"}}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestCloneIsDeep(t *testing.T) {
	task := &Task{ID: "t", Substeps: []Substep{{StepName: "s", Status: SubstepPending}}}
	clone := task.Clone()
	clone.Substeps[0].Status = SubstepCompleted
	assert.Equal(t, SubstepPending, task.Substeps[0].Status)
}

func TestResultJoinsCompletedSubsteps(t *testing.T) {
	task := &Task{Substeps: []Substep{
		{StepName: "a", Status: SubstepCompleted, Result: "one"},
		{StepName: "b", Status: SubstepError, Result: "ignored"},
		{StepName: "c", Status: SubstepCompleted, Result: "two"},
	}}
	assert.Equal(t, "one\ntwo", task.Result())
}
