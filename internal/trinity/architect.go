package trinity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/trinity-protocol/trinity/internal/bus"
	"github.com/trinity-protocol/trinity/internal/cost"
	"github.com/trinity-protocol/trinity/internal/patternstore"
)

// pattern types that add base complexity weight; of these, only
// constitutional_violation also counts as "architectural" for the ADR
// decision.
const (
	patternConstitutionalViolation = "constitutional_violation"
	patternCodeDuplication         = "code_duplication"
	patternMissingTests            = "missing_tests"
	patternFailure                 = "failure"
	patternUserIntent              = "user_intent"
)

// Strategy is ARCHITECT's ephemeral per-signal decision, externalized to a
// workspace file for debugging and then discarded.
type Strategy struct {
	Priority     Priority       `json:"priority"`
	Complexity   float64        `json:"complexity"`
	Engine       cost.ModelTier `json:"engine"`
	Model        string         `json:"model"`
	Escalated    bool           `json:"escalated"`
	Decision     string         `json:"decision"`
	SpecMarkdown string         `json:"spec_markdown,omitempty"`
	ADRMarkdown  string         `json:"adr_markdown,omitempty"`
	Tasks        []TaskSpec     `json:"tasks"`
}

// Architect is Trinity's cognition role: it turns an improvement signal
// into a self-verified task graph for EXECUTOR.
type Architect struct {
	bus           *bus.Bus
	store         *patternstore.Store
	log           zerolog.Logger
	minComplexity float64
	workspaceDir  string

	escalations int64
}

// NewArchitect builds an ARCHITECT worker. workspaceDir is where the
// per-signal strategy file is externalized; it's removed at the end of a
// successful cycle.
func NewArchitect(b *bus.Bus, store *patternstore.Store, minComplexity float64, workspaceDir string, log zerolog.Logger) *Architect {
	return &Architect{
		bus:           b,
		store:         store,
		minComplexity: minComplexity,
		workspaceDir:  workspaceDir,
		log:           log.With().Str("component", "architect").Logger(),
	}
}

// Run subscribes to improvement_queue and processes signals one at a time
// until ctx is canceled.
func (a *Architect) Run(ctx context.Context) error {
	msgs, err := a.bus.Subscribe(ctx, QueueImprovement)
	if err != nil {
		return fmt.Errorf("architect: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Architect) handle(ctx context.Context, msg bus.Message) {
	if err := a.cycle(ctx, msg); err != nil {
		a.emitFailure(ctx, msg, err)
	}
	if ackErr := a.bus.Ack(ctx, msg.ID); ackErr != nil {
		a.log.Error().Err(ackErr).Int64("message_id", msg.ID).Msg("failed to ack signal")
	}
}

func (a *Architect) cycle(ctx context.Context, msg bus.Message) error {
	// Step 1: triage.
	priority := priorityField(msg.Payload, "priority")
	pattern := stringField(msg.Payload, "pattern", "")
	correlationID := stringField(msg.Payload, "correlation_id", msg.CorrelationID)
	evidenceCount := intField(msg.Payload, "evidence_count", 1)

	// Step 2: gather context.
	history, err := a.store.SearchPatterns(ctx, pattern, "", 0.6, 5, true)
	if err != nil {
		return fmt.Errorf("gather context: %w", err)
	}

	// Step 3: assess complexity.
	keywords := keywordsField(msg.Payload)
	complexity := assessComplexity(pattern, keywords, msg.Payload, evidenceCount)

	// Step 4: select reasoning engine.
	engine, model, escalated := selectEngine(priority, complexity)
	if escalated {
		atomic.AddInt64(&a.escalations, 1)
	}

	// Step 5: formulate strategy.
	strategy := Strategy{
		Priority:   priority,
		Complexity: complexity,
		Engine:     engine,
		Model:      model,
		Escalated:  escalated,
		Decision:   fmt.Sprintf("pattern=%s priority=%s complexity=%.2f engine=%s", pattern, priority, complexity, engine),
	}
	if complexity >= a.minComplexity {
		strategy.SpecMarkdown = formulateSpec(pattern, history)
		if isArchitectural(pattern, keywords) {
			strategy.ADRMarkdown = formulateADR(pattern, strategy.Decision)
		}
	}

	// Step 6: externalize.
	strategyPath := a.strategyPath(correlationID)
	if err := a.externalize(strategyPath, strategy); err != nil {
		return fmt.Errorf("externalize strategy: %w", err)
	}

	// Step 7: generate task graph.
	tasks := buildTaskGraph(correlationID, priority, pattern)
	strategy.Tasks = tasks

	// Step 8: self-verify.
	if err := selfVerifyPlan(tasks); err != nil {
		return fmt.Errorf("planning failure: %w", err)
	}

	// Step 9: publish.
	for _, t := range tasks {
		payload, err := toPayload(t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", t.TaskID, err)
		}
		if _, err := a.bus.Publish(ctx, QueueExecution, payload, busPriority(t.Priority), t.CorrelationID); err != nil {
			return fmt.Errorf("publish task %s: %w", t.TaskID, err)
		}
	}

	// Step 10: reset.
	_ = os.Remove(strategyPath)
	return nil
}

func (a *Architect) strategyPath(correlationID string) string {
	return filepath.Join(a.workspaceDir, fmt.Sprintf("strategy-%s.md", correlationID))
}

func (a *Architect) externalize(path string, s Strategy) error {
	if a.workspaceDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.workspaceDir, 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Strategy\n\n%s\n", s.Decision)
	if s.SpecMarkdown != "" {
		fmt.Fprintf(&b, "\n## Spec\n\n%s\n", s.SpecMarkdown)
	}
	if s.ADRMarkdown != "" {
		fmt.Fprintf(&b, "\n## ADR\n\n%s\n", s.ADRMarkdown)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (a *Architect) emitFailure(ctx context.Context, msg bus.Message, cycleErr error) {
	correlationID := stringField(msg.Payload, "correlation_id", msg.CorrelationID)
	_, err := a.bus.Publish(ctx, QueueTelemetry, map[string]any{
		"status":    "failure",
		"details":   fmt.Sprintf("architect cycle failed: %v", cycleErr),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, 10, correlationID)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to publish architect failure telemetry")
	}
}

// Escalations returns the number of signals routed to a cloud-premium
// engine since process start.
func (a *Architect) Escalations() int64 {
	return atomic.LoadInt64(&a.escalations)
}

// assessComplexity implements the deterministic scoring rule: a base
// weight by pattern type, a floor from the "architecture" keyword, additions
// from "refactor"/"multi-file"/"system-wide", and evidence accumulation,
// clamped to 1.0.
//
// "architecture"/"refactor" are checked by exact keyword membership;
// "multi-file"/"system-wide" are checked against the entire signal payload
// stringified and lowercased, not just pattern+keywords, so a signal that
// only mentions them in some other field (e.g. a free-text description)
// still scores correctly.
func assessComplexity(pattern string, keywords []string, payload map[string]any, evidenceCount int) float64 {
	score := 0.0
	switch pattern {
	case patternConstitutionalViolation, patternCodeDuplication, patternMissingTests:
		score += 0.3
	case patternFailure:
		score += 0.2
	case patternUserIntent:
		score += 0.4
	}

	if containsKeyword(keywords, "architecture") {
		score = maxFloat(score, 0.7)
	}
	if containsKeyword(keywords, "refactor") {
		score += 0.2
	}

	haystack := strings.ToLower(signalText(payload))
	if strings.Contains(haystack, "multi-file") {
		score += 0.2
	}
	if strings.Contains(haystack, "system-wide") {
		score += 0.3
	}

	if evidenceCount >= 5 {
		score += 0.1
	}

	return minFloat(score, 1.0)
}

func isArchitectural(pattern string, keywords []string) bool {
	if pattern == patternConstitutionalViolation {
		return true
	}
	return containsKeyword(keywords, "architecture")
}

func containsKeyword(keywords []string, target string) bool {
	for _, k := range keywords {
		if strings.EqualFold(k, target) {
			return true
		}
	}
	return false
}

// signalText stringifies the full signal payload the same way the original
// complexity rule inspects the whole signal dict, so substrings placed in
// any field, not just pattern or data.keywords, are visible to the
// "multi-file"/"system-wide" scoring checks.
func signalText(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// selectEngine implements the hybrid reasoning-engine policy.
func selectEngine(priority Priority, complexity float64) (tier cost.ModelTier, model string, escalated bool) {
	switch {
	case priority == PriorityCritical:
		return cost.TierCloudPremium, "gpt-5", true
	case priority == PriorityHigh && complexity > 0.7:
		return cost.TierCloudPremium, "claude-4.1", true
	default:
		return cost.TierLocal, "codestral-22b", false
	}
}

func formulateSpec(pattern string, history []patternstore.Pattern) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Goal\n\nResolve recurring pattern %q.\n\n## Context\n\n", pattern)
	top := history
	if len(top) > 3 {
		top = top[:3]
	}
	for _, p := range top {
		fmt.Fprintf(&b, "- %s (confidence %.2f, seen %d times)\n", p.PatternName, p.Confidence, p.TimesSeen)
	}
	b.WriteString("\n## Non-goals\n\nUnrelated subsystems are out of scope.\n\n## Acceptance Criteria\n\nThe verification gate passes.\n")
	return b.String()
}

func formulateADR(pattern, decision string) string {
	return fmt.Sprintf("## Status\n\nProposed\n\n## Context\n\nPattern %q was flagged as architectural.\n\n## Decision\n\n%s\n", pattern, decision)
}

// buildTaskGraph produces the deterministic minimum three-task graph: a
// code task and a test task with no dependencies running in parallel, and
// a merge task depending on both.
func buildTaskGraph(correlationID string, priority Priority, pattern string) []TaskSpec {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	codeID := newCorrelationID()
	testID := newCorrelationID()
	mergeID := newCorrelationID()

	goal := fmt.Sprintf("Address detected pattern %q", pattern)

	codeTask := TaskSpec{
		TaskID: codeID, CorrelationID: correlationID, Priority: priority,
		TaskType: TaskCodeGeneration, SubAgent: "code_writer",
		Spec:         map[string]any{"Goal": goal, "Details": "Implement the fix for the detected pattern."},
		Dependencies: []string{}, Timestamp: now,
	}
	testTask := TaskSpec{
		TaskID: testID, CorrelationID: correlationID, Priority: priority,
		TaskType: TaskTestGeneration, SubAgent: "test_architect",
		Spec:         map[string]any{"Goal": goal, "Details": "Write tests covering the fix."},
		Dependencies: []string{}, Timestamp: now,
	}
	mergeTask := TaskSpec{
		TaskID: mergeID, CorrelationID: correlationID, Priority: priority,
		TaskType: TaskMerge, SubAgent: "release_manager",
		Spec:         map[string]any{"Goal": "Merge and verify the fix and its tests."},
		Dependencies: []string{codeID, testID}, Timestamp: now,
	}
	return []TaskSpec{codeTask, testTask, mergeTask}
}

// selfVerifyPlan checks the four plan-validity invariants. A violation is a
// planning failure, never silently tolerated.
func selfVerifyPlan(tasks []TaskSpec) error {
	if len(tasks) == 0 {
		return fmt.Errorf("empty task graph")
	}

	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.TaskID] = true
	}

	hasCode, hasTest := false, false
	for _, t := range tasks {
		if t.SubAgent == "" {
			return fmt.Errorf("task %s has no sub_agent", t.TaskID)
		}
		if t.TaskType == TaskCodeGeneration {
			hasCode = true
		}
		if t.TaskType == TaskTestGeneration {
			hasTest = true
		}
		for _, dep := range t.Dependencies {
			if dep == t.TaskID {
				return fmt.Errorf("task %s depends on itself", t.TaskID)
			}
			if !ids[dep] {
				return fmt.Errorf("task %s depends on unknown task %s", t.TaskID, dep)
			}
		}
	}
	if hasCode && !hasTest {
		return fmt.Errorf("code_generation task present without a test_generation task")
	}
	return nil
}

func intField(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func keywordsField(m map[string]any) []string {
	data, ok := m["data"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := data["keywords"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
