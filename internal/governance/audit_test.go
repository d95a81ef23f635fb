package governance

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/model"
)

func tempTrail(t *testing.T) *AuditTrail {
	t.Helper()
	return NewAuditTrail(filepath.Join(t.TempDir(), "audit", "run.jsonl"), "run_audit_test")
}

func TestRecord_AssignsDefaults(t *testing.T) {
	trail := tempTrail(t)
	trail.Record(model.AuditRecord{
		Category:  model.CategoryAgentAction,
		Operation: "transform",
		Component: "clean",
	})

	records, err := trail.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.True(t, strings.HasPrefix(rec.AuditID, "audit_"))
	assert.Equal(t, "run_audit_test", rec.RunID)
	assert.Equal(t, model.AuditInfo, rec.Level)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestRecord_EmptyCategoryDefaultsToSystem(t *testing.T) {
	trail := tempTrail(t)
	trail.Record(model.AuditRecord{Operation: "startup"})

	records, err := trail.Query(QueryFilter{Category: model.CategorySystem})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFlushAndQuery(t *testing.T) {
	trail := tempTrail(t)
	trail.Record(model.AuditRecord{Category: model.CategoryHoldOperation, Component: "agent", Operation: "write", Success: true})
	trail.Record(model.AuditRecord{Category: model.CategoryCost, Component: "gemini", Operation: "embed", Success: true})
	trail.Record(model.AuditRecord{Category: model.CategoryCost, Component: "anthropic", Operation: "correct", Success: true})
	require.NoError(t, trail.Flush())

	costs, err := trail.Query(QueryFilter{Category: model.CategoryCost})
	require.NoError(t, err)
	assert.Len(t, costs, 2)

	geminiOnly, err := trail.Query(QueryFilter{Category: model.CategoryCost, Component: "gemini"})
	require.NoError(t, err)
	require.Len(t, geminiOnly, 1)
	assert.Equal(t, "embed", geminiOnly[0].Operation)
}

func TestQuery_IncludesBufferedRecords(t *testing.T) {
	trail := tempTrail(t)
	trail.Record(model.AuditRecord{Category: model.CategorySystem, Operation: "unflushed"})

	// No flush yet; the record only exists in the buffer.
	records, err := trail.Query(QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestQuery_TimeWindow(t *testing.T) {
	trail := tempTrail(t)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	trail.Record(model.AuditRecord{Operation: "old", Timestamp: old})
	trail.Record(model.AuditRecord{Operation: "new"})

	recent, err := trail.Query(QueryFilter{Since: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Operation)
}

func TestViolations(t *testing.T) {
	trail := tempTrail(t)
	trail.Record(model.AuditRecord{Level: model.AuditViolation, Category: model.CategoryHoldOperation, Operation: "write"})
	trail.Record(model.AuditRecord{Level: model.AuditInfo, Category: model.CategoryHoldOperation, Operation: "read"})
	require.NoError(t, trail.Close())

	violations, err := trail.Violations()
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "write", violations[0].Operation)
}

func TestAuditRecord_MapRoundTrip(t *testing.T) {
	rec := model.AuditRecord{
		AuditID:      "audit_01HTEST",
		RunID:        "run_rt",
		Timestamp:    time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		Level:        model.AuditViolation,
		Category:     model.CategoryHoldOperation,
		Operation:    "write",
		Component:    "external",
		Target:       "hold2",
		Success:      false,
		ErrorMessage: "denied",
		// JSON numbers come back as float64, so the context uses the
		// post-round-trip types up front.
		Context: map[string]any{"rows": float64(3), "table": "stage_7"},
	}

	m, err := rec.ToMap()
	require.NoError(t, err)
	got, err := model.AuditRecordFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}
