package pipeline

import (
	"context"
	"time"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runPromote is stage 16: copy PASSED (and optionally WARNING) rows into
// entity_unified. Entities already present for this pipeline are skipped
// and counted, never errored; running twice is a no-op.
func (p *Pipeline) runPromote(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "promote"

	statuses := []string{model.ValidationPassed}
	if opts.IncludeWarnings {
		statuses = append(statuses, model.ValidationWarning)
	}

	input := p.table(warehouse.TableStage15)
	eligible, err := p.store.ValidatedRows(ctx, input, opts.RunID, statuses)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	existing, err := p.store.UnifiedEntityIDs(ctx, p.cfg.Pipeline.Name)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(eligible), DryRun: opts.DryRun}
	now := time.Now().UTC()
	var rows []model.UnifiedRow

	for _, v := range eligible {
		if existing[v.EntityID] {
			summary.Skipped++
			continue
		}
		row := model.UnifiedRow{ValidatedRow: v, PromotedAt: now}
		row.RunID = opts.RunID
		rows = append(rows, row)
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	if err := p.gateWrite(stage, opts.RunID, warehouse.TableUnified); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertUnified(ctx, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	// Insert conflicts mean another run promoted the entity between our
	// read and write; count those as skips too.
	summary.Skipped += len(rows) - summary.OutputRows
	return summary, nil
}
