// Package plan defines the sub-task model shared by the decomposer, the
// worker invoker and the orchestrator, including the status transition rules
// and dependency ordering.
package plan
