// Package review runs LLM-backed reviews concurrently: each submission is
// one stage's verification findings for a run, and the model returns an
// approve/reject verdict with a rationale. Verdicts stream back as they
// complete.
package review

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/truth-forge/forge-cli/internal/config"
	"github.com/truth-forge/forge-cli/internal/verify"
	"github.com/truth-forge/forge-cli/pkg/anthropic"
)

// Decision is the reviewer's verdict on one stage of a run.
type Decision string

const (
	DecisionApprove   Decision = "APPROVE"
	DecisionReject    Decision = "REJECT"
	DecisionNeedsWork Decision = "NEEDS_WORK"
)

// Submission is one stage of a run queued for review.
type Submission struct {
	RunID  string
	Stage  string
	Report *verify.Report
}

// Verdict is one completed review.
type Verdict struct {
	RunID     string
	Stage     string
	Decision  Decision
	Rationale string
	Elapsed   time.Duration
	Err       error
}

// SubmissionsForRun splits a run's verification report into one submission
// per stage so the pool reviews stages independently.
func SubmissionsForRun(runID string, report *verify.Report) []Submission {
	byStage := map[string]*verify.Report{}
	var order []string
	for _, f := range report.Findings {
		r, ok := byStage[f.Stage]
		if !ok {
			r = &verify.Report{RunID: runID, Pipeline: report.Pipeline}
			byStage[f.Stage] = r
			order = append(order, f.Stage)
		}
		r.Findings = append(r.Findings, f)
	}

	subs := make([]Submission, 0, len(order))
	for _, stage := range order {
		subs = append(subs, Submission{RunID: runID, Stage: stage, Report: byStage[stage]})
	}
	return subs
}

const reviewSystemPrompt = "You review data pipeline stage reports. The user message is a JSON " +
	"verification report for one stage of a run: checks with OK, WARN or FAIL status. " +
	"Reply with a verdict on the first line, exactly one of APPROVE, REJECT or NEEDS_WORK, " +
	"then a short rationale on the following lines. " +
	"REJECT when any check FAILed. NEEDS_WORK when warnings suggest rows were lost or skipped. " +
	"APPROVE otherwise."

// Pool reviews submissions with a bounded worker pool.
type Pool struct {
	cfg    config.ReviewConfig
	model  string
	client anthropic.Client
}

// New builds a review pool. The client must not be nil.
func New(cfg *config.Config, client anthropic.Client) *Pool {
	return &Pool{
		cfg:    cfg.Review,
		model:  cfg.Anthropic.HaikuModel,
		client: client,
	}
}

// Review submits every stage report for review and streams verdicts as they
// arrive.
// The channel closes when all reviews finish or the overall timeout
// expires; per-item timeouts surface as verdicts with Err set.
func (p *Pool) Review(ctx context.Context, subs []Submission) (<-chan Verdict, error) {
	if p.client == nil {
		return nil, eris.New("review: no anthropic client configured")
	}

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	overall := time.Duration(p.cfg.TotalTimeoutSecs) * time.Second
	if overall <= 0 {
		overall = 10 * time.Minute
	}

	out := make(chan Verdict, len(subs))
	ctx, cancel := context.WithTimeout(ctx, overall)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			out <- p.reviewOne(ctx, sub)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

func (p *Pool) reviewOne(ctx context.Context, sub Submission) Verdict {
	started := time.Now()

	itemTimeout := time.Duration(p.cfg.ItemTimeoutSecs) * time.Second
	if itemTimeout <= 0 {
		itemTimeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, itemTimeout)
	defer cancel()

	payload, err := json.Marshal(sub.Report)
	if err != nil {
		return Verdict{RunID: sub.RunID, Stage: sub.Stage, Err: eris.Wrap(err, "review: encode report"), Elapsed: time.Since(started)}
	}

	attempts := p.cfg.MaxReviewsPerItem
	if attempts <= 0 {
		attempts = 2
	}

	var decision Decision
	var rationale string
	for i := 0; i < attempts; i++ {
		var resp *anthropic.MessageResponse
		resp, err = p.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     p.model,
			MaxTokens: 512,
			System:    []anthropic.SystemBlock{{Text: reviewSystemPrompt}},
			Messages:  []anthropic.Message{{Role: "user", Content: string(payload)}},
		})
		if err != nil {
			err = eris.Wrap(err, "review: create message")
			break
		}
		resp.Usage.LogCost(p.model, "review")
		decision, rationale, err = parseVerdict(resp.Text())
		if err == nil || ctx.Err() != nil {
			break
		}
		zap.L().Warn("review verdict unparseable, retrying",
			zap.String("run_id", sub.RunID), zap.String("stage", sub.Stage), zap.Error(err))
	}

	v := Verdict{
		RunID:     sub.RunID,
		Stage:     sub.Stage,
		Decision:  decision,
		Rationale: rationale,
		Elapsed:   time.Since(started),
		Err:       err,
	}
	zap.L().Info("review verdict",
		zap.String("run_id", v.RunID),
		zap.String("stage", v.Stage),
		zap.String("decision", string(v.Decision)),
		zap.Duration("elapsed", v.Elapsed),
	)
	return v
}

// parseVerdict reads the decision off the first line and keeps the rest as
// the rationale.
func parseVerdict(text string) (Decision, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", eris.New("review: empty model response")
	}

	line, rest, _ := strings.Cut(text, "\n")
	decision := Decision(strings.ToUpper(strings.TrimSpace(line)))
	switch decision {
	case DecisionApprove, DecisionReject, DecisionNeedsWork:
		return decision, strings.TrimSpace(rest), nil
	}
	return "", "", eris.Errorf("review: unrecognized verdict %q", line)
}
