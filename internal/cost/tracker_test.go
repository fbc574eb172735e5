package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Property 5: cost determinism.
func TestCostDeterminism(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()

	cases := []struct {
		tier               ModelTier
		tokensIn, tokensOut int
		want               float64
	}{
		{TierLocal, 1000, 2000, 0},
		{TierCloudMini, 1000, 2000, 1000.0/1000.0*0.00015 + 2000.0/1000.0*0.0006},
		{TierCloudStandard, 500, 1500, 500.0/1000.0*0.0025 + 1500.0/1000.0*0.01},
		{TierCloudPremium, 10000, 5000, 10000.0/1000.0*0.005 + 5000.0/1000.0*0.015},
	}
	for _, c := range cases {
		entry, err := tr.Track("op", "model", c.tier, c.tokensIn, c.tokensOut, time.Second, true, nil, "")
		require.NoError(t, err)
		require.InDelta(t, c.want, entry.CostUSD, 1e-12)
	}
}

func TestTrackRejectsNegativeTokens(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	_, err := tr.Track("op", "model", TierLocal, -1, 0, 0, true, nil, "")
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestTrackZeroTokens(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	entry, err := tr.Track("op", "model", TierCloudPremium, 0, 0, 0, true, nil, "")
	require.NoError(t, err)
	require.Equal(t, 0.0, entry.CostUSD)

	summary, err := tr.Summary(Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalCalls)
}

// Property 6: budget monotonicity and alert_triggered iff percent_used >= threshold.
func TestBudgetMonotonicityAndAlert(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	require.NoError(t, tr.SetBudget(1.0, 50))

	status, err := tr.BudgetStatus()
	require.NoError(t, err)
	require.Equal(t, 0.0, status.SpentUSD)
	require.False(t, status.AlertTriggered)

	_, err = tr.Track("op", "m", TierCloudPremium, 100000, 0, 0, true, nil, "")
	require.NoError(t, err)
	status2, err := tr.BudgetStatus()
	require.NoError(t, err)
	require.GreaterOrEqual(t, status2.SpentUSD, status.SpentUSD)
	require.True(t, status2.AlertTriggered)
	require.True(t, status2.PercentUsed >= 50)

	_, err = tr.Track("op", "m", TierCloudPremium, 50000, 0, 0, true, nil, "")
	require.NoError(t, err)
	status3, err := tr.BudgetStatus()
	require.NoError(t, err)
	require.GreaterOrEqual(t, status3.SpentUSD, status2.SpentUSD)
}

// Boundary: budget limit 0 with any spend => limit_exceeded.
func TestBudgetLimitZero(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	require.NoError(t, tr.SetBudget(0, 80))

	_, err := tr.Track("op", "m", TierCloudMini, 1000, 0, 0, true, nil, "")
	require.NoError(t, err)

	status, err := tr.BudgetStatus()
	require.NoError(t, err)
	require.True(t, status.LimitExceeded)
}

func TestBudgetNoLimitSet(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	_, err := tr.Track("op", "m", TierCloudMini, 1000, 0, 0, true, nil, "")
	require.NoError(t, err)

	status, err := tr.BudgetStatus()
	require.NoError(t, err)
	require.False(t, status.LimitSet)
	require.Equal(t, 0.0, status.RemainingUSD)
	require.Equal(t, 0.0, status.PercentUsed)
	require.False(t, status.AlertTriggered)
}

func TestSetBudgetValidation(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	require.Error(t, tr.SetBudget(-1, 50))
	require.Error(t, tr.SetBudget(10, 150))
	require.Error(t, tr.SetBudget(10, -1))
}

func TestSummaryFiltersByOperation(t *testing.T) {
	tr := New(NewMemoryBackend())
	defer tr.Close()
	_, err := tr.Track("code_writer", "m", TierLocal, 10, 10, 0, true, nil, "")
	require.NoError(t, err)
	_, err = tr.Track("test_architect", "m", TierLocal, 10, 10, 0, false, nil, "")
	require.NoError(t, err)

	summary, err := tr.Summary(Filter{Operation: "code_writer"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalCalls)
	require.Equal(t, 1.0, summary.SuccessRate)
}

func TestSQLiteBackendRoundtrip(t *testing.T) {
	backend, err := NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	tr := New(backend)
	defer tr.Close()

	_, err = tr.Track("op", "m", TierCloudStandard, 100, 200, time.Millisecond*500, true, map[string]any{"agent": "coder"}, "")
	require.NoError(t, err)

	summary, err := tr.Summary(Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalCalls)

	js, err := tr.ExportJSON(Filter{})
	require.NoError(t, err)
	require.Contains(t, js, "\"total_calls\": 1")
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/cost.db"
	b1, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	tr1 := New(b1)
	_, err = tr1.Track("op", "m", TierLocal, 1, 1, 0, true, nil, "")
	require.NoError(t, err)
	require.NoError(t, tr1.Close())

	b2, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	tr2 := New(b2)
	defer tr2.Close()

	summary, err := tr2.Summary(Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalCalls)
}
