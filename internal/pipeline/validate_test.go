package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/truth-forge/forge-cli/internal/model"
)

func validAggregateRow() model.AggregateRow {
	return model.AggregateRow{
		MessageEntity: model.MessageEntity{
			EntityID:       strings.Repeat("a", 32),
			Level:          model.LevelMessage,
			SourceName:     "claude_code",
			SourcePipeline: "claude_transcripts",
			Role:           "user",
			SessionID:      "sess-1",
		},
	}
}

func TestValidateRow_Passed(t *testing.T) {
	row := validAggregateRow()

	status, score := ValidateRow(&row, false)

	assert.Equal(t, model.ValidationPassed, status)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestValidateRow_HardFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.AggregateRow)
	}{
		{"short entity id", func(r *model.AggregateRow) { r.EntityID = "abc" }},
		{"invalid level", func(r *model.AggregateRow) { r.Level = 99 }},
		{"missing session", func(r *model.AggregateRow) { r.SessionID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validAggregateRow()
			tt.mutate(&row)

			status, score := ValidateRow(&row, false)

			assert.Equal(t, model.ValidationFailed, status)
			assert.InDelta(t, 5.0/6.0, score, 1e-9)
		})
	}
}

func TestValidateRow_SoftFindings(t *testing.T) {
	row := validAggregateRow()
	row.SourceName = ""
	row.Role = ""

	status, score := ValidateRow(&row, false)
	assert.Equal(t, model.ValidationWarning, status)
	assert.InDelta(t, 4.0/6.0, score, 1e-9)

	// Strict mode turns provenance findings into failures.
	status, _ = ValidateRow(&row, true)
	assert.Equal(t, model.ValidationFailed, status)
}

func TestValidateRow_ScoreFloor(t *testing.T) {
	row := model.AggregateRow{}

	status, score := ValidateRow(&row, false)

	assert.Equal(t, model.ValidationFailed, status)
	assert.Zero(t, score)
}
