// Package api exposes the AgentNexus HTTP interface: synchronous and queued
// workflow requests, job inspection, the agent roster, memory snapshots,
// workflow logs and sessions. Responses are JSON; failures use a single
// {"error": {...}} envelope whose status is derived from the error code.
package api
