// Package subagent implements Trinity's sub-agent registry — the fixed set
// of six roles EXECUTOR fans tasks out to — and the distinguished
// verification gate that stands between a merge and a success report.
package subagent

import "context"

// Role is one of the six fixed sub-agent roles. Unlike the roles a
// deployment might add over time, this set is closed: EXECUTOR's fan-out
// table (internal/trinity) only ever names these six.
type Role string

const (
	CodeWriter       Role = "code_writer"
	TestArchitect    Role = "test_architect"
	ToolDeveloper    Role = "tool_developer"
	ImmunityEnforcer Role = "immunity_enforcer"
	ReleaseManager   Role = "release_manager"
	TaskSummarizer   Role = "task_summarizer"
)

// Handler performs one sub-agent invocation given a formatted prompt. A
// negative tokensIn/tokensOut tells the registry no real token count is
// available, so it falls back to the len(text)/4 estimate. LLM clients
// themselves are out of scope; a Handler is supplied by the caller wiring
// the registry (a real model client, a scripted stub for tests, or a
// fixture).
type Handler func(ctx context.Context, prompt string) (summary string, tokensIn, tokensOut int, err error)

// Status is the outcome of one sub-agent invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is what EXECUTOR records per sub-agent invocation.
type Result struct {
	Agent           Role    `json:"agent"`
	Status          Status  `json:"status"`
	Summary         string  `json:"summary"`
	DurationSeconds float64 `json:"duration_seconds"`
	CostUSD         float64 `json:"cost_usd"`
	Error           string  `json:"error,omitempty"`
}

// EstimateTokens is the fallback token counter used whenever a Handler
// can't report a real count from its model client.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// FormatPrompt builds the sub-agent prompt from a task spec: it
// concatenates Goal, Details, Files, and Requirements fields when present,
// otherwise serializes the whole spec.
func FormatPrompt(spec map[string]any) string {
	fields := []string{"Goal", "Details", "Files", "Requirements"}
	var parts []string
	found := false
	for _, f := range fields {
		if v, ok := spec[f]; ok {
			found = true
			parts = append(parts, toPromptString(v))
		}
	}
	if found {
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += "\n\n"
			}
			out += p
		}
		return out
	}
	return serializeSpec(spec)
}
