package pipeline

import (
	"context"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runAggregate is stage 14: the warehouse joins each L5 message against
// its enrichments into one wide row, executed as a single statement. The
// store rebuilds the run's slice of the table, so re-runs are idempotent.
func (p *Pipeline) runAggregate(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "aggregate"

	inputRows, err := p.store.CountRunRows(ctx, p.table(warehouse.TableStage7), opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: int(inputRows), DryRun: opts.DryRun}
	if opts.DryRun {
		summary.OutputRows = int(inputRows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage14)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	n, err := p.store.BuildAggregate(ctx, p.cfg.Pipeline.Name, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify stages 7 and 9-12 ran for this run_id")
	}
	summary.OutputRows = int(n)
	return summary, nil
}
