// Package tasklog is the append-only audit trail of task status changes and
// worker invocations. Replaying the status entries of a workflow reconstructs
// the final status of each of its tasks.
package tasklog
