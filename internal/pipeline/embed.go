package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/truth-forge/forge-cli/internal/cost"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/gemini"
)

// runEmbed is stage 9: batched embeddings over L5 messages. Batches are
// capped by count and per-text chars; the limiter spaces batches out. A
// batch that exhausts its retries dead-letters its members and the stage
// moves on.
func (p *Pipeline) runEmbed(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "embed"

	if p.gemini == nil {
		return nil, NewStageError(KindExternalPermanent, stage, opts.RunID,
			errMissingClient("gemini"), "set GEMINI_API_KEY or GOOGLE_API_KEY")
	}

	input := p.table(warehouse.TableStage7)
	msgs, err := p.store.Messages(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs), DryRun: opts.DryRun}
	var embeddable []model.MessageEntity
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			summary.Skipped++
			continue
		}
		embeddable = append(embeddable, m)
	}

	if opts.DryRun {
		summary.OutputRows = len(embeddable)
		return summary, nil
	}

	table := p.table(warehouse.TableStage9)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}

	batchSize := p.cfg.Gemini.MaxBatchSize
	if batchSize <= 0 || batchSize > gemini.MaxBatchTexts {
		batchSize = gemini.MaxBatchTexts
	}
	limiter := rate.NewLimiter(rate.Limit(p.cfg.Pipeline.RequestsPerSecond), 1)
	now := time.Now().UTC()

	for _, batch := range chunk(embeddable, batchSize) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, NewStageError(KindExternalTransient, stage, opts.RunID, err, "")
		}

		texts := make([]string, len(batch))
		truncated := make([]bool, len(batch))
		estTokens := 0
		for i, m := range batch {
			text := m.Text
			if len(text) > p.cfg.Gemini.MaxEmbedChars {
				text = truncateUTF8(text, p.cfg.Gemini.MaxEmbedChars)
				truncated[i] = true
			}
			texts[i] = text
			estTokens += cost.EstimateTokens(text)
		}

		if err := p.membrane.CheckCost("gemini", "embed", p.calc.Embedding(estTokens)); err != nil {
			summary.Skipped += remainingAfter(embeddable, batch)
			zap.L().Warn("embed: budget exhausted, remaining batches skipped", zap.Error(err))
			break
		}

		cfg := resilience.DefaultRetryConfig()
		cfg.OnRetry = resilience.RetryLogger("gemini", "embed")
		resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*gemini.EmbedResponse, error) {
			return p.gemini.EmbedContents(ctx, texts)
		})
		if err != nil {
			summary.Errors += len(batch)
			for _, m := range batch {
				if dlqErr := p.dlq.Route("embedding", m, err); dlqErr != nil {
					return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
						"check the staging directory is writable")
				}
			}
			continue
		}

		p.membrane.RecordCost("gemini", "embed", p.calc.Embedding(estTokens), estTokens, 0,
			map[string]any{"batch_size": len(batch)})

		rows := make([]model.Embedding, len(batch))
		for i, m := range batch {
			rows[i] = model.Embedding{
				EntityID:           m.EntityID,
				Embedding:          resp.Embeddings[i],
				EmbeddingModel:     resp.Model,
				EmbeddingDimension: len(resp.Embeddings[i]),
				TextLength:         len(texts[i]),
				TextTruncated:      truncated[i],
				RunID:              opts.RunID,
				CreatedAt:          now,
			}
		}
		n, err := p.store.InsertEmbeddings(ctx, table, rows)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

// truncateUTF8 cuts text to at most max bytes without splitting a UTF-8
// sequence.
func truncateUTF8(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// remainingAfter counts the items at and after batch's position in all.
// chunk slices alias the source slice, so pointer arithmetic on the first
// element locates the batch.
func remainingAfter(all, batch []model.MessageEntity) int {
	if len(batch) == 0 {
		return 0
	}
	for i := range all {
		if all[i].EntityID == batch[0].EntityID {
			return len(all) - i
		}
	}
	return len(batch)
}
