// Package memory stores append-only, versioned memory snapshots scoped by
// agent, user and session so that agents keep context across calls.
package memory
