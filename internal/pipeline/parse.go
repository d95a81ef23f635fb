package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runParse is stage 1: turn the discovered session files into raw records.
// The stage 0 manifest must exist and carry a GO verdict.
func (p *Pipeline) runParse(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "parse"

	manifest, err := p.readManifest()
	if err != nil {
		if os.IsNotExist(eris.Cause(err)) {
			return nil, NewStageError(KindInputMissing, stage, opts.RunID, err,
				"run stage 0 (discover) first")
		}
		return nil, NewStageError(KindParseError, stage, opts.RunID, err,
			"re-run stage 0 to regenerate the manifest")
	}
	if !manifest.Go() {
		return nil, NewStageError(KindValidationFailed, stage, opts.RunID,
			eris.Errorf("pipeline: discovery verdict %q blocks parsing", manifest.GoNoGo),
			"resolve the discovery recommendations and re-run stage 0")
	}

	files, err := discoverSourceFiles(p.cfg.Staging.SourceDirs)
	if err != nil {
		return nil, NewStageError(KindInputMissing, stage, opts.RunID, err,
			"check staging.source_dirs in the configuration")
	}

	summary := &model.StageSummary{DryRun: opts.DryRun}
	now := time.Now().UTC()
	var rows []model.RawRecord

	// A session may span source files, so the message index runs per
	// session across the whole sorted file list, not per file.
	nextIndex := map[string]int{}

	for _, path := range files {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "pipeline: parse cancelled")
		}
		scan, err := scanSessionFile(path)
		if err != nil {
			summary.Errors++
			zap.L().Warn("parse: unreadable source file", zap.String("path", path), zap.Error(err))
			continue
		}
		summary.Errors += scan.ParseErrs

		for _, msg := range scan.Messages {
			summary.InputRows++
			idx := nextIndex[msg.SessionID]
			nextIndex[msg.SessionID] = idx + 1
			rows = append(rows, model.RawRecord{
				ExtractionID: extractionID(msg.SessionID, idx, msg.Content),
				SessionID:    msg.SessionID,
				MessageIndex: idx,
				MessageType:  msg.Type,
				Content:      msg.Content,
				Timestamp:    msg.Timestamp,
				Model:        msg.Model,
				ToolName:     msg.ToolName,
				CostUSD:      msg.CostUSD,
				SourceFile:   path,
				RunID:        opts.RunID,
				CreatedAt:    now,
			})
		}
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage1)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertRawRecords(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	summary.Skipped = len(rows) - summary.OutputRows
	return summary, nil
}

// extractionID tags one raw record. Content is part of the key so a
// re-parse after source edits produces a distinct record.
func extractionID(sessionID string, index int, content string) string {
	return fmt.Sprintf("ext:%s:%d:%s", sessionID, index, fingerprint(content)[:8])
}
