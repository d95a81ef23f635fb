package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/truth-forge/forge-cli/internal/cost"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/gemini"
)

const extractionPrompt = `Classify this message from a user to an AI coding assistant.
Respond with a single JSON object and nothing else:
{"intent": one of "question"|"instruction"|"clarification"|"feedback"|"greeting"|"other",
"task_type": short free-form label such as "debugging" or "code_review",
"code_languages": array of language names mentioned or implied,
"complexity": one of "simple"|"moderate"|"complex",
"has_code_block": boolean}

Message:
`

// Eligibility bounds for stage 10: trivially short messages carry no
// intent, and very long ones are truncated-pasted content, not requests.
const (
	minExtractChars = 10
	maxExtractChars = 4000
)

// extractionResult is the JSON contract the LLM must return.
type extractionResult struct {
	Intent        string   `json:"intent"`
	TaskType      string   `json:"task_type"`
	CodeLanguages []string `json:"code_languages"`
	Complexity    string   `json:"complexity"`
	HasCodeBlock  bool     `json:"has_code_block"`
}

// runExtract is stage 10: per-message LLM intent extraction over user
// messages. Malformed LLM output is dead-lettered, never fatal.
func (p *Pipeline) runExtract(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "extract"

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
	var eligible []model.MessageEntity
	for _, m := range msgs {
		if m.Role != "user" || len(m.Text) <= minExtractChars || len(m.Text) > maxExtractChars {
			summary.Skipped++
			continue
		}
		eligible = append(eligible, m)
	}

	if opts.DryRun {
		summary.OutputRows = len(eligible)
		return summary, nil
	}

	table := p.table(warehouse.TableStage10)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(p.cfg.Pipeline.RequestsPerSecond), 1)
	now := time.Now().UTC()
	var rows []model.Extraction

	for i, m := range eligible {
		if err := limiter.Wait(ctx); err != nil {
			return nil, NewStageError(KindExternalTransient, stage, opts.RunID, err, "")
		}

		prompt := extractionPrompt + m.Text
		estIn := cost.EstimateTokens(prompt)
		if err := p.membrane.CheckCost("gemini", "extract", p.calc.Text(p.cfg.Gemini.Model, estIn, 128)); err != nil {
			summary.Skipped += len(eligible) - i
			zap.L().Warn("extract: budget exhausted, remaining messages skipped", zap.Error(err))
			break
		}

		cfg := resilience.DefaultRetryConfig()
		cfg.OnRetry = resilience.RetryLogger("gemini", "extract")
		resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*gemini.GenerateResponse, error) {
			return p.gemini.GenerateContent(ctx, gemini.GenerateRequest{
				Model:     p.cfg.Gemini.Model,
				Prompt:    prompt,
				MaxTokens: 256,
			})
		})
		if err != nil {
			summary.Errors++
			if dlqErr := p.dlq.Route("extraction", m, err); dlqErr != nil {
				return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
					"check the staging directory is writable")
			}
			continue
		}

		p.membrane.RecordCost("gemini", "extract",
			p.calc.Text(resp.Model, resp.TokensIn, resp.TokensOut),
			resp.TokensIn, resp.TokensOut, nil)

		result, parseErr := parseExtraction(resp.Text)
		if parseErr != nil {
			summary.Errors++
			if dlqErr := p.dlq.Route("extraction", m, parseErr); dlqErr != nil {
				return nil, NewStageError(KindValidationFailed, stage, opts.RunID, dlqErr,
					"check the staging directory is writable")
			}
			continue
		}

		rows = append(rows, model.Extraction{
			EntityID:      m.EntityID,
			Intent:        result.Intent,
			TaskType:      result.TaskType,
			CodeLanguages: result.CodeLanguages,
			Complexity:    result.Complexity,
			HasCodeBlock:  result.HasCodeBlock,
			ExtractionRaw: resp.Text,
			LLMModel:      resp.Model,
			RunID:         opts.RunID,
			CreatedAt:     now,
		})
	}

	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertExtractions(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}

// parseExtraction decodes the LLM's JSON, tolerating markdown code fences,
// and normalizes out-of-set enum values.
func parseExtraction(text string) (*extractionResult, error) {
	cleaned := StripJSONFences(text)

	var result extractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, &StageError{Kind: KindParseError, Err: err}
	}
	if !model.AllowedIntents[result.Intent] {
		result.Intent = "other"
	}
	if !model.AllowedComplexities[result.Complexity] {
		result.Complexity = "moderate"
	}
	return &result, nil
}

// StripJSONFences unwraps a ```json fenced block if present and trims to
// the outermost object braces.
func StripJSONFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
