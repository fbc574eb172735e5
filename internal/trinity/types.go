// Package trinity implements the three stateless cooperative roles that
// form Trinity's perception-cognition-action loop: WITNESS watches
// telemetry and recognizes patterns, ARCHITECT turns a recognized pattern
// into a task graph, and EXECUTOR carries a task graph out through the
// sub-agent registry and the verification gate. None of the three roles
// holds state across cycles; all durable state lives in the bus and the
// pattern store.
package trinity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// newCorrelationID mints a fresh correlation id for a signal or task graph
// that doesn't already have one to propagate.
func newCorrelationID() string {
	return uuid.NewString()
}

// Queue names are the fixed contract points between the three roles.
const (
	QueueTelemetry       = "telemetry_stream"
	QueuePersonalContext = "personal_context_stream"
	QueueImprovement     = "improvement_queue"
	QueueExecution       = "execution_queue"
)

// Priority is a signal or task's urgency, fixed to three levels.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
)

// busPriority maps a Priority onto the bus's integer priority scale.
func busPriority(p Priority) int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	default:
		return 0
	}
}

// TaskType names the five kinds of work EXECUTOR can receive.
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskTestGeneration TaskType = "test_generation"
	TaskToolCreation   TaskType = "tool_creation"
	TaskVerification   TaskType = "verification"
	TaskMerge          TaskType = "merge"
)

// Detection is what an external pattern detector reports for one event.
type Detection struct {
	PatternType string         `json:"pattern_type"`
	PatternName string         `json:"pattern_name"`
	Content     string         `json:"content"`
	Confidence  float64        `json:"confidence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Priority    Priority       `json:"priority"`
}

// PatternDetector is the external collaborator WITNESS delegates perception
// to. Its heuristics are out of scope for this core; the core only defines
// the contract and reacts to what it returns.
type PatternDetector interface {
	Detect(ctx context.Context, event map[string]any) ([]Detection, error)
}

// TaskSpec is one node in ARCHITECT's task graph, durable only as a bus
// message.
type TaskSpec struct {
	TaskID        string         `json:"task_id"`
	CorrelationID string         `json:"correlation_id"`
	Priority      Priority       `json:"priority"`
	TaskType      TaskType       `json:"task_type"`
	SubAgent      string         `json:"sub_agent"`
	Spec          map[string]any `json:"spec"`
	Dependencies  []string       `json:"dependencies"`
	Timestamp     string         `json:"timestamp"`
}

// toPayload round-trips v through JSON into a map, the shape bus.Publish
// requires. TaskSpec values go through this helper before publishing so the
// wire payload always matches their json tags exactly; signals and
// telemetry reports are built as map literals instead.
func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("trinity: marshal payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("trinity: unmarshal payload: %w", err)
	}
	return out, nil
}

func fromPayload(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("trinity: marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("trinity: unmarshal payload: %w", err)
	}
	return nil
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func priorityField(m map[string]any, key string) Priority {
	switch Priority(stringField(m, key, string(PriorityNormal))) {
	case PriorityCritical:
		return PriorityCritical
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
