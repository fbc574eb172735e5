package trinity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trinity-protocol/trinity/internal/bus"
	"github.com/trinity-protocol/trinity/internal/subagent"
)

// ExecutionPlan is EXECUTOR's ephemeral per-task deconstruction of a
// TaskSpec into the sub-agent groups it must run.
type ExecutionPlan struct {
	TaskID        string            `json:"task_id"`
	CorrelationID string            `json:"correlation_id"`
	TaskType      TaskType          `json:"task_type"`
	Groups        [][]subagent.Role `json:"groups"`
}

// fanOutFor implements the task-type to sub-agent fan-out table. merge has
// no fan-out group of its own: it is handled by the dedicated merge step.
// An unknown task type defaults to code_generation's fan-out.
func fanOutFor(taskType TaskType) []subagent.Role {
	switch taskType {
	case TaskCodeGeneration:
		return []subagent.Role{subagent.CodeWriter, subagent.TestArchitect}
	case TaskTestGeneration:
		return []subagent.Role{subagent.TestArchitect}
	case TaskToolCreation:
		return []subagent.Role{subagent.ToolDeveloper, subagent.TestArchitect}
	case TaskVerification:
		return []subagent.Role{subagent.ImmunityEnforcer}
	case TaskMerge:
		return nil
	default:
		return fanOutFor(TaskCodeGeneration)
	}
}

// Executor is Trinity's action role: it carries a task through its
// sub-agent fan-out, a merge step, and an absolute verification gate
// before ever reporting success.
type Executor struct {
	bus      *bus.Bus
	registry *subagent.Registry
	gate     *subagent.VerificationGate
	workDir  string

	workspaceDir string
	log          zerolog.Logger
}

// NewExecutor builds an EXECUTOR worker. workDir is passed through to the
// verification gate as the subprocess's working directory; workspaceDir is
// where per-task plan and error-log files are externalized.
func NewExecutor(b *bus.Bus, registry *subagent.Registry, gate *subagent.VerificationGate, workDir, workspaceDir string, log zerolog.Logger) *Executor {
	return &Executor{
		bus:          b,
		registry:     registry,
		gate:         gate,
		workDir:      workDir,
		workspaceDir: workspaceDir,
		log:          log.With().Str("component", "executor").Logger(),
	}
}

// Run subscribes to execution_queue and processes tasks one at a time
// until ctx is canceled.
func (e *Executor) Run(ctx context.Context) error {
	msgs, err := e.bus.Subscribe(ctx, QueueExecution)
	if err != nil {
		return fmt.Errorf("executor: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			e.handle(ctx, msg)
		}
	}
}

func (e *Executor) handle(ctx context.Context, msg bus.Message) {
	var task TaskSpec
	if err := fromPayload(msg.Payload, &task); err != nil {
		e.log.Error().Err(err).Msg("failed to decode task payload")
		_ = e.bus.Ack(ctx, msg.ID)
		return
	}

	// Step 1: deconstruct.
	plan := ExecutionPlan{TaskID: task.TaskID, CorrelationID: task.CorrelationID, TaskType: task.TaskType, Groups: [][]subagent.Role{}}
	if fanOut := fanOutFor(task.TaskType); len(fanOut) > 0 {
		plan.Groups = append(plan.Groups, fanOut)
	}

	// Step 2: externalize.
	planPath := e.planPath(task.TaskID)
	errorLogPath := e.errorLogPath(task.TaskID)
	if err := e.externalizePlan(planPath, plan); err != nil {
		e.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to externalize plan")
	}

	// Step 3: orchestrate in parallel, group by group.
	var reports []subagent.Result
	failed := false
	var failureDetail string
	for _, group := range plan.Groups {
		if failed {
			break
		}
		groupReports, groupErr := e.runGroup(ctx, group, task)
		reports = append(reports, groupReports...)
		if groupErr != nil {
			failed = true
			failureDetail = groupErr.Error()
		}
	}

	if failed {
		e.failTask(ctx, task, reports, failureDetail, errorLogPath, nil)
		e.reset(planPath, errorLogPath)
		_ = e.bus.Ack(ctx, msg.ID)
		return
	}

	// Step 6: delegate merge.
	mergeSpec := mergeSpecFrom(task, reports)
	mergeResult, mergeErr := e.registry.Invoke(ctx, subagent.ReleaseManager, mergeSpec)
	reports = append(reports, mergeResult)
	if mergeErr != nil {
		e.failTask(ctx, task, reports, mergeErr.Error(), errorLogPath, nil)
		e.reset(planPath, errorLogPath)
		_ = e.bus.Ack(ctx, msg.ID)
		return
	}

	// Step 7: absolute verification.
	verification, verErr := e.gate.Run(ctx, e.workDir)
	if verErr != nil || !verification.Passed {
		detail := "verification gate failed"
		if verErr != nil {
			detail = verErr.Error()
		}
		e.failTask(ctx, task, reports, detail, errorLogPath, &verification)
		e.reset(planPath, errorLogPath)
		_ = e.bus.Ack(ctx, msg.ID)
		return
	}

	// Step 8: report success.
	e.reportSuccess(ctx, task, reports, verification)

	// Step 9: reset.
	e.reset(planPath, errorLogPath)
	_ = e.bus.Ack(ctx, msg.ID)
}

// runGroup invokes every role in a group concurrently and waits for all of
// them, per the concurrency model's "parallel groups, joined before the
// group completes" rule. It returns all results gathered (success and
// failure alike, since every invocation still produces a cost entry) plus
// the first failure encountered, if any.
func (e *Executor) runGroup(ctx context.Context, group []subagent.Role, task TaskSpec) ([]subagent.Result, error) {
	results := make([]subagent.Result, len(group))
	errs := make([]error, len(group))

	var wg sync.WaitGroup
	for i, role := range group {
		wg.Add(1)
		go func(i int, role subagent.Role) {
			defer wg.Done()
			res, err := e.registry.Invoke(ctx, role, task.Spec)
			results[i] = res
			errs[i] = err
		}(i, role)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func mergeSpecFrom(task TaskSpec, reports []subagent.Result) map[string]any {
	summaries := make([]string, 0, len(reports))
	for _, r := range reports {
		summaries = append(summaries, fmt.Sprintf("%s: %s", r.Agent, r.Summary))
	}
	return map[string]any{
		"Goal":    "Merge and integrate the completed sub-agent work.",
		"Details": summaries,
	}
}

func (e *Executor) failTask(ctx context.Context, task TaskSpec, reports []subagent.Result, detail, errorLogPath string, verification *subagent.VerificationResult) {
	e.writeErrorLog(errorLogPath, task, detail)

	payload := map[string]any{
		"status":            "failure",
		"task_id":           task.TaskID,
		"correlation_id":    task.CorrelationID,
		"details":           detail,
		"sub_agent_reports": reportPayloads(reports),
		"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
	}
	if verification != nil {
		payload["verification_result"] = verification
	}
	if _, err := e.bus.Publish(ctx, QueueTelemetry, payload, 10, task.CorrelationID); err != nil {
		e.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to publish failure telemetry")
	}
}

func (e *Executor) reportSuccess(ctx context.Context, task TaskSpec, reports []subagent.Result, verification subagent.VerificationResult) {
	payload := map[string]any{
		"status":               "success",
		"task_id":              task.TaskID,
		"correlation_id":       task.CorrelationID,
		"details":              fmt.Sprintf("task %s completed", task.TaskID),
		"sub_agent_reports":    reportPayloads(reports),
		"verification_result":  verification,
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := e.bus.Publish(ctx, QueueTelemetry, payload, 5, task.CorrelationID); err != nil {
		e.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to publish success telemetry")
	}
}

func reportPayloads(reports []subagent.Result) []map[string]any {
	out := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		out = append(out, map[string]any{
			"agent":   r.Agent,
			"status":  r.Status,
			"summary": r.Summary,
			"cost_usd": r.CostUSD,
		})
	}
	return out
}

func (e *Executor) planPath(taskID string) string {
	return filepath.Join(e.workspaceDir, fmt.Sprintf("plan-%s.json", taskID))
}

func (e *Executor) errorLogPath(taskID string) string {
	return filepath.Join(e.workspaceDir, fmt.Sprintf("error-%s.log", taskID))
}

func (e *Executor) externalizePlan(path string, plan ExecutionPlan) error {
	if e.workspaceDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.workspaceDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (e *Executor) writeErrorLog(path string, task TaskSpec, detail string) {
	if e.workspaceDir == "" {
		return
	}
	if err := os.MkdirAll(e.workspaceDir, 0o755); err != nil {
		e.log.Error().Err(err).Msg("failed to create workspace directory")
		return
	}
	content := fmt.Sprintf("task_id=%s correlation_id=%s\n%s\n", task.TaskID, task.CorrelationID, detail)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		e.log.Error().Err(err).Str("path", path).Msg("failed to write error log")
	}
}

func (e *Executor) reset(planPath, errorLogPath string) {
	_ = os.Remove(planPath)
	_ = os.Remove(errorLogPath)
}
