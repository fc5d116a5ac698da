// Package llm defines the opaque capability behind every worker agent: a
// single Execute call taking a system context, a task description and prior
// context, returning free text or a JSON object.
package llm
