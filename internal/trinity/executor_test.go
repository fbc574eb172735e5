package trinity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-protocol/trinity/internal/cost"
	"github.com/trinity-protocol/trinity/internal/subagent"
)

func newTestRegistry(t *testing.T) (*subagent.Registry, *cost.Tracker) {
	t.Helper()
	tracker := cost.New(cost.NewMemoryBackend())
	t.Cleanup(func() { _ = tracker.Close() })
	return subagent.NewRegistry(tracker), tracker
}

func succeedingHandler(summary string) subagent.Handler {
	return func(ctx context.Context, prompt string) (string, int, int, error) {
		return summary, 50, 20, nil
	}
}

func failingHandler(errMsg string) subagent.Handler {
	return func(ctx context.Context, prompt string) (string, int, int, error) {
		return "", 10, 0, errors.New(errMsg)
	}
}

func registerAllRoles(reg *subagent.Registry, codeWriter, testArchitect, releaseManager subagent.Handler) {
	reg.Register(subagent.CodeWriter, cost.TierLocal, "local-model", codeWriter)
	reg.Register(subagent.TestArchitect, cost.TierLocal, "local-model", testArchitect)
	reg.Register(subagent.ReleaseManager, cost.TierLocal, "local-model", releaseManager)
	reg.Register(subagent.ToolDeveloper, cost.TierLocal, "local-model", succeedingHandler("built tool"))
	reg.Register(subagent.ImmunityEnforcer, cost.TierLocal, "local-model", succeedingHandler("checked"))
	reg.Register(subagent.TaskSummarizer, cost.TierLocal, "local-model", succeedingHandler("summary"))
}

// TestExecutorScenarioS1 runs a code_generation task through the full
// cycle with a passing verification gate and checks the success telemetry
// carries all three sub-agent reports.
func TestExecutorScenarioS1(t *testing.T) {
	b := mustBus(t)
	reg, tracker := newTestRegistry(t)
	registerAllRoles(reg, succeedingHandler("wrote code"), succeedingHandler("wrote tests"), succeedingHandler("merged"))
	gate := &subagent.VerificationGate{Command: []string{"true"}, Timeout: time.Second}
	ex := NewExecutor(b, reg, gate, t.TempDir(), t.TempDir(), testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetryMsgs, err := b.Subscribe(ctx, QueueTelemetry)
	require.NoError(t, err)
	go func() { _ = ex.Run(ctx) }()

	task := TaskSpec{TaskID: "t1", CorrelationID: "corr-s1", Priority: PriorityCritical, TaskType: TaskCodeGeneration, SubAgent: "code_writer", Spec: map[string]any{"Goal": "fix it"}}
	payload, err := toPayload(task)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), QueueExecution, payload, 10, task.CorrelationID)
	require.NoError(t, err)

	report := recvOne(t, telemetryMsgs)
	require.Equal(t, "success", report.Payload["status"])
	reports, ok := report.Payload["sub_agent_reports"].([]any)
	require.True(t, ok)
	require.Len(t, reports, 3)

	summary, sErr := tracker.Summary(cost.Filter{})
	require.NoError(t, sErr)
	require.Equal(t, 3, summary.TotalCalls)
}

// TestExecutorScenarioS3 fails the test_architect invocation and checks
// that merge and verification never run and a failure telemetry is
// emitted.
func TestExecutorScenarioS3(t *testing.T) {
	b := mustBus(t)
	reg, tracker := newTestRegistry(t)
	mergeCalled := false
	registerAllRoles(reg,
		succeedingHandler("wrote code"),
		failingHandler("test_architect exploded"),
		func(ctx context.Context, prompt string) (string, int, int, error) {
			mergeCalled = true
			return "merged", 1, 1, nil
		},
	)
	gate := &subagent.VerificationGate{Command: []string{"true"}, Timeout: time.Second}
	ex := NewExecutor(b, reg, gate, t.TempDir(), t.TempDir(), testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetryMsgs, err := b.Subscribe(ctx, QueueTelemetry)
	require.NoError(t, err)
	go func() { _ = ex.Run(ctx) }()

	task := TaskSpec{TaskID: "t3", CorrelationID: "corr-s3", Priority: PriorityHigh, TaskType: TaskCodeGeneration, SubAgent: "code_writer"}
	payload, err := toPayload(task)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), QueueExecution, payload, 5, task.CorrelationID)
	require.NoError(t, err)

	report := recvOne(t, telemetryMsgs)
	require.Equal(t, "failure", report.Payload["status"])
	require.False(t, mergeCalled)

	summary, sErr := tracker.Summary(cost.Filter{})
	require.NoError(t, sErr)
	require.Equal(t, 2, summary.TotalCalls)
}

// TestExecutorScenarioS4 passes every sub-agent but fails verification and
// checks that the merge cost entry is still recorded while success is
// never reported.
func TestExecutorScenarioS4(t *testing.T) {
	b := mustBus(t)
	reg, tracker := newTestRegistry(t)
	registerAllRoles(reg, succeedingHandler("wrote code"), succeedingHandler("wrote tests"), succeedingHandler("merged"))
	gate := &subagent.VerificationGate{Command: []string{"false"}, Timeout: time.Second}
	ex := NewExecutor(b, reg, gate, t.TempDir(), t.TempDir(), testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetryMsgs, err := b.Subscribe(ctx, QueueTelemetry)
	require.NoError(t, err)
	go func() { _ = ex.Run(ctx) }()

	task := TaskSpec{TaskID: "t4", CorrelationID: "corr-s4", Priority: PriorityNormal, TaskType: TaskCodeGeneration, SubAgent: "code_writer"}
	payload, err := toPayload(task)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), QueueExecution, payload, 0, task.CorrelationID)
	require.NoError(t, err)

	report := recvOne(t, telemetryMsgs)
	require.Equal(t, "failure", report.Payload["status"])

	summary, sErr := tracker.Summary(cost.Filter{Operation: string(subagent.ReleaseManager)})
	require.NoError(t, sErr)
	require.Equal(t, 1, summary.TotalCalls)
}

func TestFanOutForUnknownDefaultsToCodeGeneration(t *testing.T) {
	require.Equal(t, fanOutFor(TaskCodeGeneration), fanOutFor(TaskType("unknown")))
}

func TestFanOutForMergeHasNoGroup(t *testing.T) {
	require.Nil(t, fanOutFor(TaskMerge))
}
