package pipeline

import (
	"context"
	"time"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runValidate is stage 15: per-row contract checks over the stage 14
// aggregate. Hard failures (broken identity) always FAIL; soft findings
// (missing provenance) WARN, or FAIL under --strict.
func (p *Pipeline) runValidate(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "validate"

	input := p.table(warehouse.TableStage14)
	aggRows, err := p.store.AggregateRows(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(aggRows), DryRun: opts.DryRun}
	now := time.Now().UTC()
	rows := make([]model.ValidatedRow, 0, len(aggRows))

	for _, agg := range aggRows {
		status, score := ValidateRow(&agg, opts.Strict)
		if status == model.ValidationFailed {
			summary.Errors++
		}
		row := model.ValidatedRow{
			AggregateRow:     agg,
			ValidationStatus: status,
			ValidationScore:  score,
		}
		row.RunID = opts.RunID
		row.CreatedAt = now
		rows = append(rows, row)
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage15)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertValidated(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

// ValidateRow applies the promotion contract to one aggregate row and
// returns the verdict with a score in [0,1]: the fraction of checks
// passed.
func ValidateRow(row *model.AggregateRow, strict bool) (string, float64) {
	hardFailures := 0
	softFindings := 0
	const totalChecks = 6

	// Hard: identity must be intact or the row is unusable downstream.
	if len(row.EntityID) < 32 {
		hardFailures++
	}
	if !model.ValidLevels[row.Level] {
		hardFailures++
	}
	if row.SessionID == "" {
		hardFailures++
	}

	// Soft: missing provenance degrades analytics but the row still keys.
	if row.SourceName == "" {
		softFindings++
	}
	if row.SourcePipeline == "" {
		softFindings++
	}
	if row.Role == "" {
		softFindings++
	}

	score := 1.0 - float64(hardFailures+softFindings)/float64(totalChecks)
	if score < 0 {
		score = 0
	}

	switch {
	case hardFailures > 0:
		return model.ValidationFailed, score
	case softFindings > 0 && strict:
		return model.ValidationFailed, score
	case softFindings > 0:
		return model.ValidationWarning, score
	default:
		return model.ValidationPassed, score
	}
}
