package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trinity-protocol/trinity/internal/cost"
)

type registration struct {
	tier    cost.ModelTier
	model   string
	handler Handler
}

// Registry owns the six fixed sub-agent roles and records one cost entry
// per invocation against the shared Tracker.
type Registry struct {
	tracker *cost.Tracker

	mu    sync.RWMutex
	roles map[Role]registration
}

func NewRegistry(tracker *cost.Tracker) *Registry {
	return &Registry{tracker: tracker, roles: make(map[Role]registration)}
}

// Register wires a role to its model tier, model identifier, and handler.
func (r *Registry) Register(role Role, tier cost.ModelTier, model string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = registration{tier: tier, model: model, handler: handler}
}

// Invoke runs role against spec, recording exactly one cost entry
// regardless of outcome.
func (r *Registry) Invoke(ctx context.Context, role Role, spec map[string]any) (Result, error) {
	r.mu.RLock()
	reg, ok := r.roles[role]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("subagent: role %q is not registered", role)
	}

	prompt := FormatPrompt(spec)
	start := time.Now()
	summary, tokensIn, tokensOut, hErr := reg.handler(ctx, prompt)
	duration := time.Since(start)

	if tokensIn < 0 {
		tokensIn = EstimateTokens(prompt)
	}
	if tokensOut < 0 {
		tokensOut = EstimateTokens(summary)
	}

	result := Result{Agent: role, DurationSeconds: duration.Seconds(), Summary: summary}
	success := hErr == nil
	if success {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusFailure
		result.Error = hErr.Error()
	}

	entry, tErr := r.tracker.Track(string(role), reg.model, reg.tier, tokensIn, tokensOut, duration, success, nil, result.Error)
	if tErr != nil {
		return result, fmt.Errorf("subagent: cost tracking failed for %q: %w", role, tErr)
	}
	result.CostUSD = entry.CostUSD

	if hErr != nil {
		return result, hErr
	}
	return result, nil
}
