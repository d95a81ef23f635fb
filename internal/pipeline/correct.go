package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/cost"
	"github.com/truth-forge/forge-cli/internal/governance"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/anthropic"
)

const correctionSystemPrompt = "You fix typos, casing and obvious grammatical slips in short user messages " +
	"from a coding assistant transcript. Return only the corrected text with no commentary. " +
	"If the text needs no correction, return it unchanged. Never alter code, paths, or identifiers."

// maxCorrectionChars bounds what is worth sending for correction.
const maxCorrectionChars = 4000

// runCorrect is stage 4: drop in-session duplicates and, for user
// messages, run LLM text correction. Correction applies to role=user only;
// assistant and tool output is transcribed verbatim and never rewritten.
func (p *Pipeline) runCorrect(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "correct"

	input := p.table(warehouse.TableStage3)
	gated, err := p.store.CleanRecords(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(gated), DryRun: opts.DryRun}
	now := time.Now().UTC()
	correcting := p.cfg.Pipeline.CorrectionEnabled && p.anthropic != nil
	var rows []model.StagedRecord

	for _, rec := range gated {
		if rec.IsDuplicate {
			summary.Skipped++
			continue
		}

		meta := model.CorrectionMetadata{}
		if correcting && rec.MessageType == "user" &&
			rec.ContentCleaned != "" && len(rec.ContentCleaned) <= maxCorrectionChars {
			corrected, costUSD, corrErr := p.correctText(ctx, rec.ContentCleaned)
			switch {
			case corrErr == nil:
				if corrected != rec.ContentCleaned {
					meta = model.CorrectionMetadata{
						Corrected:         true,
						OriginalText:      rec.ContentCleaned,
						CorrectedText:     corrected,
						CorrectionCostUSD: costUSD,
					}
					rec.ContentCleaned = corrected
				}
			case isBudgetExceeded(corrErr):
				// Budget denials degrade the stage to a passthrough; the
				// violation is already in the audit trail.
				correcting = false
				zap.L().Warn("correct: budget exhausted, remaining records pass through uncorrected",
					zap.Error(corrErr))
			default:
				summary.Errors++
				if dlqErr := p.dlq.Route("correction", rec, corrErr); dlqErr != nil {
					return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
						"check the staging directory is writable")
				}
			}
		}

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, NewStageError(KindValidationFailed, stage, opts.RunID, err, "")
		}

		row := model.StagedRecord{CleanRecord: rec, Metadata: string(metaJSON)}
		row.RunID = opts.RunID
		row.CreatedAt = now
		rows = append(rows, row)
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage4)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertStagedRecords(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

// correctText runs one correction call with budget gating and retry.
func (p *Pipeline) correctText(ctx context.Context, text string) (string, float64, error) {
	modelID := p.cfg.Anthropic.HaikuModel
	estTokens := cost.EstimateTokens(text)
	estimate := p.calc.Text(modelID, estTokens+cost.EstimateTokens(correctionSystemPrompt), estTokens)

	if err := p.membrane.CheckCost("anthropic", "correct", estimate); err != nil {
		return "", 0, err
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("anthropic", "correct")
	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return p.anthropic.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     modelID,
			MaxTokens: 1024,
			System:    []anthropic.SystemBlock{{Text: correctionSystemPrompt}},
			Messages:  []anthropic.Message{{Role: "user", Content: text}},
		})
	})
	if err != nil {
		return "", 0, err
	}

	// Actual spend is priced with the same rate table as the estimate so
	// the budget gate and the ledger never disagree about a model's cost.
	actual := p.calc.Text(modelID, int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens))
	p.membrane.RecordCost("anthropic", "correct", actual,
		int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens), nil)

	return strings.TrimSpace(resp.Text()), actual, nil
}

func isBudgetExceeded(err error) bool {
	var be *governance.BudgetExceededError
	return errors.As(err, &be)
}
