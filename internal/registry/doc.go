// Package registry maintains the roster of worker agents, hands out
// value-semantics snapshots of it and keeps per-agent performance counters.
package registry
