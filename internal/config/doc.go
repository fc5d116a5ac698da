// Package config loads the daemon configuration from YAML or JSON files and
// fills defaults for storage, queues, model providers and the orchestrator.
package config
