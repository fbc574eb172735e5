package cost

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Tracker is the cost tracker: one per process, backed by a pluggable
// Backend. Budget state lives in the tracker itself, not the backend,
// since it's configuration rather than ledger data.
type Tracker struct {
	backend Backend

	mu                sync.Mutex
	budgetSet         bool
	budgetLimitUSD    float64
	alertThresholdPct float64
}

func New(backend Backend) *Tracker {
	return &Tracker{backend: backend}
}

func (t *Tracker) Close() error {
	return t.backend.Close()
}

// Track validates inputs, computes cost deterministically from tier and
// tokens, and appends one entry. Negative token counts are rejected as a
// ValidationError with no side effects.
func (t *Tracker) Track(operation, model string, tier ModelTier, tokensIn, tokensOut int, duration time.Duration, success bool, metadata map[string]any, errMsg string) (Entry, error) {
	if tokensIn < 0 || tokensOut < 0 {
		return Entry{}, &ValidationError{Msg: "token counts must be non-negative"}
	}

	costUSD, err := calculateCost(tier, tokensIn, tokensOut)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Timestamp:       time.Now().UTC(),
		Operation:       operation,
		Model:           model,
		ModelTier:       tier,
		TokensIn:        tokensIn,
		TokensOut:       tokensOut,
		CostUSD:         costUSD,
		DurationSeconds: duration.Seconds(),
		Success:         success,
		Metadata:        metadata,
		Error:           errMsg,
	}

	if err := t.backend.Store(entry); err != nil {
		return Entry{}, fmt.Errorf("cost: track: %w", err)
	}
	return entry, nil
}

// Summary aggregates entries matching filter (zero-value Filter matches
// everything).
func (t *Tracker) Summary(filter Filter) (Summary, error) {
	entries, err := t.filteredEntries(filter)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{ByOperation: map[string]float64{}, ByModel: map[string]float64{}}
	successCount := 0
	for _, e := range entries {
		s.TotalCostUSD += e.CostUSD
		s.TotalTokensIn += e.TokensIn
		s.TotalTokensOut += e.TokensOut
		if e.Success {
			successCount++
		}
		s.ByOperation[e.Operation] += e.CostUSD
		s.ByModel[e.Model] += e.CostUSD
	}
	s.TotalCalls = len(entries)
	if s.TotalCalls > 0 {
		s.SuccessRate = float64(successCount) / float64(s.TotalCalls)
	} else {
		s.SuccessRate = 1.0
	}
	return s, nil
}

// Entries returns every entry matching filter (zero-value Filter matches
// everything), in append order.
func (t *Tracker) Entries(filter Filter) ([]Entry, error) {
	return t.filteredEntries(filter)
}

func (t *Tracker) filteredEntries(filter Filter) ([]Entry, error) {
	all, err := t.backend.GetAll()
	if err != nil {
		return nil, fmt.Errorf("cost: load entries: %w", err)
	}
	out := all[:0:0]
	for _, e := range all {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SetBudget configures the budget limit and alert threshold. limitUSD must
// be non-negative; alertThresholdPct must be in [0,100].
func (t *Tracker) SetBudget(limitUSD, alertThresholdPct float64) error {
	if limitUSD < 0 {
		return &ValidationError{Msg: "budget limit must be non-negative"}
	}
	if alertThresholdPct < 0 || alertThresholdPct > 100 {
		return &ValidationError{Msg: "alert threshold must be in [0,100]"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgetSet = true
	t.budgetLimitUSD = limitUSD
	t.alertThresholdPct = alertThresholdPct
	return nil
}

// BudgetStatus reports current spend against the configured budget. With no
// budget set, remaining and percent_used are 0 and no alert is triggered.
func (t *Tracker) BudgetStatus() (BudgetStatus, error) {
	summary, err := t.Summary(Filter{})
	if err != nil {
		return BudgetStatus{}, err
	}
	spent := summary.TotalCostUSD

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.budgetSet {
		return BudgetStatus{SpentUSD: spent}, nil
	}

	var percentUsed float64
	if t.budgetLimitUSD > 0 {
		percentUsed = (spent / t.budgetLimitUSD) * 100
	} else if spent > 0 {
		percentUsed = 100
	}

	return BudgetStatus{
		LimitSet:          true,
		LimitUSD:          t.budgetLimitUSD,
		AlertThresholdPct: t.alertThresholdPct,
		SpentUSD:          spent,
		RemainingUSD:      t.budgetLimitUSD - spent,
		PercentUsed:       percentUsed,
		AlertTriggered:    percentUsed >= t.alertThresholdPct,
		LimitExceeded:     spent > t.budgetLimitUSD,
	}, nil
}

// HourlyRate sums cost over the last hour of entries.
func (t *Tracker) HourlyRate() (float64, error) {
	summary, err := t.Summary(Filter{Start: time.Now().Add(-time.Hour)})
	if err != nil {
		return 0, err
	}
	return summary.TotalCostUSD, nil
}

// DailyProjection extrapolates HourlyRate over 24 hours.
func (t *Tracker) DailyProjection() (float64, error) {
	hourly, err := t.HourlyRate()
	if err != nil {
		return 0, err
	}
	return hourly * 24, nil
}

// ExportJSON renders a summary and the matching entries as one indented
// JSON document.
func (t *Tracker) ExportJSON(filter Filter) (string, error) {
	summary, err := t.Summary(filter)
	if err != nil {
		return "", err
	}
	entries, err := t.filteredEntries(filter)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(struct {
		Summary Summary `json:"summary"`
		Entries []Entry `json:"entries"`
	}{summary, entries}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cost: export json: %w", err)
	}
	return string(data), nil
}
