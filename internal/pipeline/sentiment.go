package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/sentiment"
)

// sentimentBatchSize caps texts per classifier request.
const sentimentBatchSize = 32

// runSentiment is stage 11: emotion classification over L4 sentences.
func (p *Pipeline) runSentiment(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "sentiment"

	if p.classifier == nil {
		return nil, NewStageError(KindExternalPermanent, stage, opts.RunID,
			errMissingClient("sentiment"), "set HF_API_KEY")
	}

	input := p.table(warehouse.TableStage6)
	sentences, err := p.store.Sentences(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(sentences), DryRun: opts.DryRun}
	var classifiable []model.SentenceEntity
	for _, s := range sentences {
		if strings.TrimSpace(s.Text) == "" {
			summary.Skipped++
			continue
		}
		classifiable = append(classifiable, s)
	}

	if opts.DryRun {
		summary.OutputRows = len(classifiable)
		return summary, nil
	}

	table := p.table(warehouse.TableStage11)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}

	threshold := p.cfg.Sentiment.Threshold
	limiter := rate.NewLimiter(rate.Limit(p.cfg.Pipeline.RequestsPerSecond), 1)
	now := time.Now().UTC()
	budgetHit := false

	for _, batch := range chunk(classifiable, sentimentBatchSize) {
		if budgetHit {
			summary.Skipped += len(batch)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, NewStageError(KindExternalTransient, stage, opts.RunID, err, "")
		}

		if err := p.membrane.CheckCost("sentiment", "classify", p.calc.ClassifierRequest()); err != nil {
			budgetHit = true
			summary.Skipped += len(batch)
			zap.L().Warn("sentiment: budget exhausted, remaining batches skipped", zap.Error(err))
			continue
		}

		texts := make([]string, len(batch))
		for i, s := range batch {
			texts[i] = s.Text
		}

		cfg := resilience.DefaultRetryConfig()
		cfg.OnRetry = resilience.RetryLogger("sentiment", "classify")
		scores, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([][]sentiment.Score, error) {
			return p.classifier.Classify(ctx, texts)
		})
		if err != nil {
			summary.Errors += len(batch)
			for _, s := range batch {
				if dlqErr := p.dlq.Route("sentiment", s, err); dlqErr != nil {
					return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
						"check the staging directory is writable")
				}
			}
			continue
		}

		p.membrane.RecordCost("sentiment", "classify", p.calc.ClassifierRequest(), 0, 0,
			map[string]any{"batch_size": len(batch)})

		rows := make([]model.Sentiment, 0, len(batch))
		for i, s := range batch {
			rows = append(rows, scoreSentence(s.EntityID, scores[i], threshold, opts.RunID, now))
		}
		n, err := p.store.InsertSentiments(ctx, table, rows)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

// scoreSentence reduces a classifier score list to the stage_11 row shape:
// the top emotion, every emotion at or above the threshold (score order),
// and the full score map.
func scoreSentence(entityID string, scores []sentiment.Score, threshold float64, runID string, now time.Time) model.Sentiment {
	sorted := make([]sentiment.Score, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	row := model.Sentiment{
		EntityID:      entityID,
		AllScores:     map[string]float64{},
		ThresholdUsed: threshold,
		RunID:         runID,
		CreatedAt:     now,
	}
	for i, s := range sorted {
		row.AllScores[s.Label] = s.Score
		if i == 0 {
			row.PrimaryEmotion = s.Label
			row.PrimaryScore = s.Score
		}
		if s.Score >= threshold {
			row.EmotionsDetected = append(row.EmotionsDetected, s.Label)
		}
	}
	return row
}
