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

// runSpans is the L3 transformer: named-entity spans over stage_6
// sentences. Labels outside the recognized set are skipped, and every
// emitted span satisfies start_char < end_char.
func (p *Pipeline) runSpans(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "spans"

	input := p.table(warehouse.TableStage6)
	sentences, err := p.store.Sentences(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(sentences), DryRun: opts.DryRun}
	now := time.Now().UTC()
	var rows []model.SpanEntity

	for _, sent := range sentences {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		spans, nerErr := extractSpans(sent.Text)
		if nerErr != nil {
			summary.Errors++
			if dlqErr := p.dlq.Route("spans", sent, nerErr); dlqErr != nil {
				return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
					"check the staging directory is writable")
			}
			continue
		}

		for _, sp := range spans {
			rows = append(rows, model.SpanEntity{
				EntityID:       identity.SpanID(sent.EntityID, sp.start, sp.end),
				ParentID:       sent.EntityID,
				Level:          model.LevelSpan,
				SourceName:     sent.SourceName,
				SourcePipeline: sent.SourcePipeline,
				Content:        sp.text,
				EntityType:     sp.label,
				StartChar:      sp.start,
				EndChar:        sp.end,
				SessionID:      sent.SessionID,
				ContentDate:    sent.ContentDate,
				RunID:          opts.RunID,
				CreatedAt:      now,
			})
		}
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableSpans)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertSpans(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

type nerSpan struct {
	text  string
	label string
	start int
	end   int
}

// extractSpans runs NER over one sentence and locates each mention's char
// offsets. Repeated mentions advance the search cursor so overlapping
// spans stay distinct.
func extractSpans(text string) ([]nerSpan, error) {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, err
	}

	var out []nerSpan
	cursor := 0
	for _, ent := range doc.Entities() {
		if ent.Text == "" || !model.SpanEntityTypes[ent.Label] {
			continue
		}
		idx := strings.Index(text[cursor:], ent.Text)
		if idx < 0 {
			// Mention not found past the cursor; restart from the top.
			idx = strings.Index(text, ent.Text)
			if idx < 0 {
				continue
			}
			cursor = 0
		}
		start := cursor + idx
		end := start + len(ent.Text)
		if start >= end {
			continue
		}
		out = append(out, nerSpan{text: ent.Text, label: ent.Label, start: start, end: end})
		cursor = end
	}
	return out, nil
}
