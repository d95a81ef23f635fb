package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runGate is stage 3: record-level contract checks. Records that fail are
// dead-lettered and counted; the stage itself only fails on warehouse or
// governance errors.
func (p *Pipeline) runGate(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "gate"

	input := p.table(warehouse.TableStage2)
	clean, err := p.store.CleanRecords(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(clean), DryRun: opts.DryRun}
	now := time.Now().UTC()
	var rows []model.CleanRecord

	for _, rec := range clean {
		if gateErr := gateRecord(rec); gateErr != nil {
			summary.Errors++
			if dlqErr := p.dlq.Route("gate", rec, gateErr); dlqErr != nil {
				return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
					"check the staging directory is writable")
			}
			continue
		}
		rec.RunID = opts.RunID
		rec.CreatedAt = now
		rows = append(rows, rec)
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage3)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertCleanRecords(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	summary.Skipped = len(rows) - summary.OutputRows
	return summary, nil
}

// gateRecord applies the record-level contract: required identity fields,
// a recognized role, and non-empty content for user messages. A nil return
// means the record passed.
func gateRecord(rec model.CleanRecord) error {
	switch {
	case rec.ExtractionID == "":
		return eris.New("gate: missing extraction_id")
	case rec.SessionID == "":
		return eris.New("gate: missing session_id")
	case rec.MessageType == "":
		return eris.New("gate: missing message_type")
	case !model.AllowedRoles[rec.MessageType]:
		return eris.Errorf("gate: role %q not allowed", rec.MessageType)
	case rec.MessageType == "user" && strings.TrimSpace(rec.ContentCleaned) == "":
		return eris.New("gate: empty user content")
	}
	return nil
}
