// Package cost implements Trinity's cost tracker: a pluggable-backend,
// append-only ledger of sub-agent invocation cost with deterministic
// pricing and budget monitoring.
package cost

import "time"

// ModelTier is one of the four pricing tiers a sub-agent invocation can run
// under.
type ModelTier string

const (
	TierLocal          ModelTier = "local"
	TierCloudMini      ModelTier = "cloud_mini"
	TierCloudStandard  ModelTier = "cloud_standard"
	TierCloudPremium   ModelTier = "cloud_premium"
)

type tierRate struct {
	inPer1K  float64
	outPer1K float64
}

// pricing is the contract pricing table in USD per 1,000 tokens. Values are
// fixed by the cost determinism guarantee and must never be derived from
// configuration.
var pricing = map[ModelTier]tierRate{
	TierLocal:         {inPer1K: 0.0, outPer1K: 0.0},
	TierCloudMini:     {inPer1K: 0.00015, outPer1K: 0.0006},
	TierCloudStandard: {inPer1K: 0.0025, outPer1K: 0.01},
	TierCloudPremium:  {inPer1K: 0.005, outPer1K: 0.015},
}

func calculateCost(tier ModelTier, tokensIn, tokensOut int) (float64, error) {
	rate, ok := pricing[tier]
	if !ok {
		return 0, &ValidationError{Msg: "unknown model tier: " + string(tier)}
	}
	return (float64(tokensIn)/1000.0)*rate.inPer1K + (float64(tokensOut)/1000.0)*rate.outPer1K, nil
}

// ValidationError signals an invalid input was rejected without side
// effects (negative tokens, an out-of-range threshold, and so on).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Entry is one append-only cost record.
type Entry struct {
	Timestamp       time.Time      `json:"timestamp"`
	Operation       string         `json:"operation"`
	Model           string         `json:"model"`
	ModelTier       ModelTier      `json:"model_tier"`
	TokensIn        int            `json:"tokens_in"`
	TokensOut       int            `json:"tokens_out"`
	CostUSD         float64        `json:"cost_usd"`
	DurationSeconds float64        `json:"duration_seconds"`
	Success         bool           `json:"success"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Summary aggregates a set of entries.
type Summary struct {
	TotalCostUSD   float64            `json:"total_cost_usd"`
	TotalCalls     int                `json:"total_calls"`
	TotalTokensIn  int                `json:"total_tokens_in"`
	TotalTokensOut int                `json:"total_tokens_out"`
	SuccessRate    float64            `json:"success_rate"`
	ByOperation    map[string]float64 `json:"by_operation"`
	ByModel        map[string]float64 `json:"by_model"`
}

// BudgetStatus reports spend against the configured budget. LimitSet is
// false when no budget has been set, in which case RemainingUSD and
// PercentUsed are always 0 and AlertTriggered/LimitExceeded are always
// false, matching the "no limit" contract.
type BudgetStatus struct {
	LimitSet          bool    `json:"limit_set"`
	LimitUSD          float64 `json:"limit_usd"`
	AlertThresholdPct float64 `json:"alert_threshold_pct"`
	SpentUSD          float64 `json:"spent_usd"`
	RemainingUSD      float64 `json:"remaining_usd"`
	PercentUsed       float64 `json:"percent_used"`
	AlertTriggered    bool    `json:"alert_triggered"`
	LimitExceeded     bool    `json:"limit_exceeded"`
}

// Filter restricts Summary/Export to a subset of entries.
type Filter struct {
	Operation        string
	Start, End       time.Time
	MetadataEquals   map[string]string
}

func (f Filter) matches(e Entry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	for k, v := range f.MetadataEquals {
		mv, _ := e.Metadata[k].(string)
		if mv != v {
			return false
		}
	}
	return true
}
