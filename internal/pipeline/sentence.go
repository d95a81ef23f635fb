package pipeline

import (
	"context"
	"strings"
	"time"

	prose "github.com/jdkato/prose/v2"

	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runSentence is stage 6: segment each L5 message into L4 sentence rows.
func (p *Pipeline) runSentence(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "sentence"

	input := p.table(warehouse.TableStage7)
	msgs, err := p.store.Messages(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs), DryRun: opts.DryRun}
	now := time.Now().UTC()
	var rows []model.SentenceEntity

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.TrimSpace(msg.Text) == "" {
			summary.Skipped++
			continue
		}

		sentences, segErr := splitSentences(msg.Text)
		if segErr != nil {
			summary.Errors++
			if dlqErr := p.dlq.Route("sentence", msg, segErr); dlqErr != nil {
				return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
					"check the staging directory is writable")
			}
			continue
		}

		for i, text := range sentences {
			rows = append(rows, model.SentenceEntity{
				EntityID:       identity.SentenceID(msg.EntityID, i),
				ParentID:       msg.EntityID,
				Level:          model.LevelSentence,
				SourceName:     msg.SourceName,
				SourcePipeline: msg.SourcePipeline,
				Text:           text,
				SentenceIndex:  i,
				SessionID:      msg.SessionID,
				ContentDate:    msg.ContentDate,
				RunID:          opts.RunID,
				CreatedAt:      now,
			})
		}
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage6)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertSentences(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	summary.Skipped += len(rows) - summary.OutputRows
	return summary, nil
}

// splitSentences segments text into trimmed, non-empty sentences.
func splitSentences(text string) ([]string, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range doc.Sentences() {
		t := strings.TrimSpace(s.Text)
		if t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
