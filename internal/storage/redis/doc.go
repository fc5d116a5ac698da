// Package redis shares short-lived runtime state between AgentNexus processes.
// It currently caches the agent roster snapshot so that several daemons
// behind a load balancer read the same registry view between refreshes.
package redis
