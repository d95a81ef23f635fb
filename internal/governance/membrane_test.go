package governance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/model"
)

func testMembrane(t *testing.T, budgets map[string]Budget) (*Membrane, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	m := NewMembrane("run_membrane_test",
		NewHoldIsolation(true),
		NewAuditTrail(path, "run_membrane_test"),
		NewCostEnforcer(budgets),
	)
	return m, path
}

func TestGateOperation_Allowed(t *testing.T) {
	m, _ := testMembrane(t, nil)

	assert.True(t, m.GateOperation(OpWrite, ActorAgent, Hold2, "claude_transcripts_stage_7", nil))

	records, err := m.Trail().Query(QueryFilter{Category: model.CategoryHoldOperation})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, "run_membrane_test", records[0].RunID)
}

func TestGateOperation_DeniedBecomesViolation(t *testing.T) {
	m, _ := testMembrane(t, nil)

	assert.False(t, m.GateOperation(OpWrite, ActorExternal, Hold2, "claude_transcripts_stage_7", nil))

	violations, err := m.Trail().Violations()
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, model.CategoryHoldOperation, violations[0].Category)
	assert.Contains(t, violations[0].ErrorMessage, "must go through AGENT")
}

func TestCheckCost_DenialIsAudited(t *testing.T) {
	m, _ := testMembrane(t, map[string]Budget{
		"gemini": {MaxCostUSD: 0.01},
	})

	err := m.CheckCost("gemini", "embed", 0.05)
	require.Error(t, err)

	var be *BudgetExceededError
	assert.True(t, errors.As(err, &be))

	violations, vErr := m.Trail().Violations()
	require.NoError(t, vErr)
	require.Len(t, violations, 1)
	assert.Equal(t, model.CategoryCost, violations[0].Category)
}

func TestRecordCost_UpdatesLedgerAndTrail(t *testing.T) {
	m, _ := testMembrane(t, nil)

	m.RecordCost("gemini", "embed", 0.02, 100, 0, map[string]any{"batch": 1})
	m.RecordCost("gemini", "embed", 0.03, 150, 0, nil)

	assert.InDelta(t, 0.05, m.Costs().ServiceCost("gemini"), 1e-12)
	assert.Equal(t, 2, m.Costs().ServiceCalls("gemini"))

	records, err := m.Trail().Query(QueryFilter{Category: model.CategoryCost})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.InDelta(t, 0.02, records[0].Context["cost_usd"], 1e-12)
	assert.EqualValues(t, 1, records[0].Context["batch"])
}

func TestRecordAgentAction_FailureLevel(t *testing.T) {
	m, _ := testMembrane(t, nil)

	m.RecordAgentAction("transform", "gate", 10, 8, true, "")
	m.RecordAgentAction("transform", "gate", 10, 0, false, "boom")

	failures, err := m.Trail().Query(QueryFilter{Level: model.AuditError})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "boom", failures[0].ErrorMessage)
	assert.EqualValues(t, 0, failures[0].Context["output_records"])
}

func TestClose_FlushesTrail(t *testing.T) {
	m, path := testMembrane(t, nil)

	m.RecordAgentAction("transform", "clean", 1, 1, true, "")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "records should still be buffered")

	require.NoError(t, m.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
