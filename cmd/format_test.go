package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/preflight"
	"github.com/truth-forge/forge-cli/internal/verify"
)

func TestNewRunID(t *testing.T) {
	a, b := newRunID(), newRunID()
	assert.True(t, identity.ValidRunID(a))
	assert.True(t, identity.ValidRunID(b))
	assert.NotEqual(t, a, b)
}

func TestFormatStageRuns(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	runs := []model.StageRun{
		{StageNum: 0, StageName: "discover", Status: model.StageRunComplete, ItemsProcessed: 3, StartedAt: start, FinishedAt: start.Add(250 * time.Millisecond)},
		{StageNum: -1, StageName: "words", Status: model.StageRunComplete, ItemsProcessed: 42, StartedAt: start},
	}

	var buf bytes.Buffer
	formatStageRuns(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "discover")
	assert.Contains(t, out, "250ms")
	assert.Contains(t, out, "words")
	// Auxiliary transformers have no stage number.
	assert.NotContains(t, out, "-1")
}

func TestFormatRunCounts(t *testing.T) {
	counts := []model.RunCount{
		{RunID: "run_a", Rows: 17, Earliest: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)},
		{RunID: "run_b", Rows: 3},
	}

	var buf bytes.Buffer
	formatRunCounts(&buf, counts)
	out := buf.String()

	assert.Contains(t, out, "run_a")
	assert.Contains(t, out, "2026-01-15 10:00")
	assert.Contains(t, out, "run_b")
}

func TestFormatReport(t *testing.T) {
	report := &verify.Report{
		RunID:    "run_x",
		Pipeline: "claude_transcripts",
		Findings: []verify.Finding{
			{Stage: "parse", Check: "row count", Status: verify.StatusOK, Detail: "3 rows"},
			{Stage: "clean", Check: "fingerprints", Status: verify.StatusFail, Detail: "2 rows missing fingerprints",
				Meaning: "duplicate detection cannot work without fingerprints",
				Advice:  "re-run the clean stage"},
		},
	}

	var buf bytes.Buffer
	formatReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "row count")
	assert.Contains(t, out, "What this means: duplicate detection cannot work without fingerprints")
	assert.Contains(t, out, "What to do: re-run the clean stage")
	assert.Contains(t, out, "1 ok, 0 warnings, 1 failures")
}

func TestFormatPreflight(t *testing.T) {
	result := &preflight.Result{
		Checks: []preflight.Check{
			{Name: "staging dir", Status: preflight.StatusOK, Detail: "writable"},
			{Name: "gemini key", Status: preflight.StatusFail, Detail: "not set", Advice: "set GEMINI_API_KEY or GOOGLE_API_KEY"},
		},
	}

	var buf bytes.Buffer
	formatPreflight(&buf, result)
	out := buf.String()

	require.Contains(t, out, "staging dir")
	assert.Contains(t, out, "gemini key: set GEMINI_API_KEY or GOOGLE_API_KEY")
}
