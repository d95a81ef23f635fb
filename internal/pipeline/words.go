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

// maxWordsPerMessage caps L2 output for pathological messages (dumped
// files, giant tool results).
const maxWordsPerMessage = 2000

// runWords is the L2 transformer: tokenize each message into word rows
// with part-of-speech tags.
func (p *Pipeline) runWords(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "words"

	input := p.table(warehouse.TableStage7)
	msgs, err := p.store.Messages(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs), DryRun: opts.DryRun}
	now := time.Now().UTC()
	var rows []model.WordEntity

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.TrimSpace(msg.Text) == "" {
			summary.Skipped++
			continue
		}

		tokens, tokErr := tokenize(msg.Text)
		if tokErr != nil {
			summary.Errors++
			if dlqErr := p.dlq.Route("words", msg, tokErr); dlqErr != nil {
				return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
					"check the staging directory is writable")
			}
			continue
		}
		if len(tokens) > maxWordsPerMessage {
			tokens = tokens[:maxWordsPerMessage]
			summary.Skipped++
		}

		for i, tok := range tokens {
			rows = append(rows, model.WordEntity{
				EntityID:       identity.WordID(msg.EntityID, i),
				ParentID:       msg.EntityID,
				Level:          model.LevelWord,
				SourceName:     msg.SourceName,
				SourcePipeline: msg.SourcePipeline,
				Text:           tok.Text,
				WordIndex:      i,
				PosTag:         tok.Tag,
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

	table := p.table(warehouse.TableWords)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertWords(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

func tokenize(text string) ([]prose.Token, error) {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, err
	}
	return doc.Tokens(), nil
}
