package pipeline

import (
	"context"
	"time"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// minTopicChars: shorter texts produce noise keywords, not topics.
const minTopicChars = 20

// runTopics is stage 12: ranked keyword extraction over L5 messages. Pure
// computation, no external calls.
func (p *Pipeline) runTopics(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "topics"

	input := p.table(warehouse.TableStage7)
	msgs, err := p.store.Messages(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs), DryRun: opts.DryRun}
	now := time.Now().UTC()
	topN := p.cfg.Pipeline.TopKeywords
	var rows []model.Topics

	for _, m := range msgs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(m.Text) < minTopicChars {
			summary.Skipped++
			continue
		}

		ranked := ExtractKeywords(m.Text, topN)
		if len(ranked) == 0 {
			summary.Skipped++
			continue
		}

		row := model.Topics{
			EntityID:           m.EntityID,
			KeywordsWithScores: ranked,
			TopKeyword:         ranked[0].Keyword,
			TopKeywordScore:    ranked[0].Score,
			KeywordCount:       len(ranked),
			RunID:              opts.RunID,
			CreatedAt:          now,
		}
		for _, k := range ranked {
			row.Keywords = append(row.Keywords, k.Keyword)
		}
		rows = append(rows, row)
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage12)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertTopics(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}
