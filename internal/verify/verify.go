// Package verify inspects what a pipeline run actually wrote and reports
// findings in plain language: what was checked, what it means, and what to
// do about it. Verification is read-only.
package verify

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/config"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/pipeline"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// Status grades one finding.
type Status string

const (
	StatusOK   Status = "OK"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Finding is one verification result with its interpretation.
type Finding struct {
	Stage   string `json:"stage"`
	Check   string `json:"check"`
	Status  Status `json:"status"`
	Detail  string `json:"detail"`
	Meaning string `json:"meaning,omitempty"`
	Advice  string `json:"advice,omitempty"`
}

// Report is the full verification result for a run.
type Report struct {
	RunID    string    `json:"run_id"`
	Pipeline string    `json:"pipeline"`
	Findings []Finding `json:"findings"`
}

// Failed reports whether any finding is a hard failure.
func (r *Report) Failed() bool {
	for _, f := range r.Findings {
		if f.Status == StatusFail {
			return true
		}
	}
	return false
}

// Counts returns the number of findings per status.
func (r *Report) Counts() (ok, warn, fail int) {
	for _, f := range r.Findings {
		switch f.Status {
		case StatusOK:
			ok++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return
}

// Verifier checks run output against the stage contracts.
type Verifier struct {
	cfg   *config.Config
	store warehouse.Store
	pipe  *pipeline.Pipeline
}

// New builds a verifier over the same store the pipeline wrote to.
func New(cfg *config.Config, store warehouse.Store, pipe *pipeline.Pipeline) *Verifier {
	return &Verifier{cfg: cfg, store: store, pipe: pipe}
}

// Run verifies every numbered stage for a run.
func (v *Verifier) Run(ctx context.Context, runID string) (*Report, error) {
	report := &Report{RunID: runID, Pipeline: v.cfg.Pipeline.Name}
	for _, num := range pipeline.ExecutionOrder {
		st, ok := v.pipe.StageByNum(num)
		if !ok {
			return nil, eris.Errorf("verify: unknown stage %d", num)
		}
		findings, err := v.Stage(ctx, st, runID)
		if err != nil {
			return nil, err
		}
		report.Findings = append(report.Findings, findings...)
	}

	ok, warn, fail := report.Counts()
	zap.L().Info("verification complete",
		zap.String("run_id", runID),
		zap.Int("ok", ok),
		zap.Int("warn", warn),
		zap.Int("fail", fail),
	)
	return report, nil
}

// Stage verifies one transformer's output for a run.
func (v *Verifier) Stage(ctx context.Context, st pipeline.StageDef, runID string) ([]Finding, error) {
	if st.Num == 0 {
		return v.checkManifest(st.Name)
	}
	if st.Output == "" {
		return nil, nil
	}

	table := st.Output
	if table != warehouse.TableUnified {
		table = warehouse.TableName(v.cfg.Pipeline.Name, st.Output)
	}

	exists, err := v.store.TableExists(ctx, table)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: check table %s", table)
	}
	if !exists {
		return []Finding{{
			Stage:   st.Name,
			Check:   "table exists",
			Status:  StatusFail,
			Detail:  fmt.Sprintf("table %s does not exist", table),
			Meaning: "the stage has never run against this warehouse",
			Advice:  "run the pipeline (or this stage) before verifying",
		}}, nil
	}

	count, err := v.store.CountRunRows(ctx, table, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: count rows in %s", table)
	}

	findings := []Finding{v.countFinding(st, table, count)}

	extra, err := v.stageChecks(ctx, st, runID, count)
	if err != nil {
		return nil, err
	}
	return append(findings, extra...), nil
}

func (v *Verifier) checkManifest(stageName string) ([]Finding, error) {
	m, err := v.pipe.ReadManifest()
	if err != nil {
		return []Finding{{
			Stage:   stageName,
			Check:   "manifest present",
			Status:  StatusFail,
			Detail:  "discovery manifest not found",
			Meaning: "stage 0 has not run, so nothing downstream has a data contract",
			Advice:  "run stage 0 (discover) first",
		}}, nil
	}

	f := Finding{
		Stage:  stageName,
		Check:  "go/no-go verdict",
		Detail: m.GoNoGo,
	}
	switch {
	case m.Go():
		f.Status = StatusOK
	case m.GoNoGo == pipeline.GoNoGoCaution:
		f.Status = StatusWarn
		f.Meaning = "some source lines failed to parse; affected records were skipped"
		f.Advice = "inspect the source files if the skip rate matters for your analysis"
	default:
		f.Status = StatusFail
		f.Meaning = "discovery judged the corpus unfit to process"
		f.Advice = "fix the source data and re-run discovery"
	}
	return []Finding{f}, nil
}

func (v *Verifier) countFinding(st pipeline.StageDef, table string, count int64) Finding {
	f := Finding{
		Stage:  st.Name,
		Check:  "run rows present",
		Detail: fmt.Sprintf("%d rows in %s for this run", count, table),
	}
	if count == 0 {
		f.Status = StatusWarn
		f.Meaning = "the stage ran but produced nothing, or has not run for this run_id"
		f.Advice = "confirm the stage ran with this run_id and that its input stage produced rows"
	} else {
		f.Status = StatusOK
	}
	return f
}

// stageChecks applies the stage-specific invariants that a row count alone
// cannot see.
func (v *Verifier) stageChecks(ctx context.Context, st pipeline.StageDef, runID string, count int64) ([]Finding, error) {
	switch st.Num {
	case 2:
		return v.checkClean(ctx, st.Name, runID)
	case 7:
		return v.checkMessages(ctx, st.Name, runID)
	case 9:
		return v.checkEmbeddings(ctx, st.Name, runID)
	case 14:
		return v.checkAggregate(ctx, st.Name, runID, count)
	case 15:
		return v.checkValidated(ctx, st.Name, runID)
	case 16:
		return v.checkPromoted(ctx, st.Name, runID)
	}
	return nil, nil
}

func (v *Verifier) checkClean(ctx context.Context, stage, runID string) ([]Finding, error) {
	table := warehouse.TableName(v.cfg.Pipeline.Name, warehouse.TableStage2)
	recs, err := v.store.CleanRecords(ctx, table, runID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: read clean records")
	}

	missing, dups := 0, 0
	for _, r := range recs {
		if r.Fingerprint == "" {
			missing++
		}
		if r.IsDuplicate {
			dups++
		}
	}

	findings := []Finding{fingerprintFinding(stage, missing)}
	if len(recs) > 0 {
		findings = append(findings, Finding{
			Stage:  stage,
			Check:  "duplicate rate",
			Status: StatusOK,
			Detail: fmt.Sprintf("%d of %d records marked duplicate", dups, len(recs)),
		})
	}
	return findings, nil
}

func fingerprintFinding(stage string, missing int) Finding {
	if missing > 0 {
		return Finding{
			Stage:   stage,
			Check:   "fingerprints populated",
			Status:  StatusFail,
			Detail:  fmt.Sprintf("%d records have no content fingerprint", missing),
			Meaning: "duplicate detection cannot have worked for those records",
			Advice:  "roll back stage 2 for this run and re-run it",
		}
	}
	return Finding{
		Stage:  stage,
		Check:  "fingerprints populated",
		Status: StatusOK,
		Detail: "every record carries a content fingerprint",
	}
}

func (v *Verifier) checkMessages(ctx context.Context, stage, runID string) ([]Finding, error) {
	table := warehouse.TableName(v.cfg.Pipeline.Name, warehouse.TableStage7)
	msgs, err := v.store.Messages(ctx, table, runID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: read messages")
	}

	badID, badLevel := 0, 0
	for _, m := range msgs {
		if len(m.EntityID) != 32 {
			badID++
		}
		if m.Level != model.LevelMessage {
			badLevel++
		}
	}

	f := Finding{Stage: stage, Check: "entity identity intact"}
	if badID > 0 || badLevel > 0 {
		f.Status = StatusFail
		f.Detail = fmt.Sprintf("%d malformed entity IDs, %d wrong levels", badID, badLevel)
		f.Meaning = "downstream joins on entity_id will silently miss these rows"
		f.Advice = "roll back stage 7 for this run and re-run it"
	} else {
		f.Status = StatusOK
		f.Detail = fmt.Sprintf("all %d message entities carry well-formed IDs", len(msgs))
	}
	return []Finding{f}, nil
}

func (v *Verifier) checkEmbeddings(ctx context.Context, stage, runID string) ([]Finding, error) {
	table := warehouse.TableName(v.cfg.Pipeline.Name, warehouse.TableStage9)
	embeddings, err := v.store.Embeddings(ctx, table, runID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: read embeddings")
	}
	if len(embeddings) == 0 {
		return nil, nil
	}

	dims := map[int]int{}
	for _, e := range embeddings {
		dims[e.EmbeddingDimension]++
	}

	f := Finding{Stage: stage, Check: "embedding dimensions consistent"}
	if len(dims) > 1 {
		f.Status = StatusFail
		f.Detail = fmt.Sprintf("%d distinct dimensions across %d vectors", len(dims), len(embeddings))
		f.Meaning = "vectors of mixed dimension cannot be compared; the embedding model changed mid-run"
		f.Advice = "roll back stage 9 for this run and re-run it with one model"
	} else {
		f.Status = StatusOK
		for d := range dims {
			f.Detail = fmt.Sprintf("all %d vectors have dimension %d", len(embeddings), d)
		}
	}
	return []Finding{f}, nil
}

func (v *Verifier) checkAggregate(ctx context.Context, stage, runID string, aggCount int64) ([]Finding, error) {
	msgTable := warehouse.TableName(v.cfg.Pipeline.Name, warehouse.TableStage7)
	msgCount, err := v.store.CountRunRows(ctx, msgTable, runID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: count messages")
	}

	f := Finding{
		Stage:  stage,
		Check:  "aggregate covers every message",
		Detail: fmt.Sprintf("%d aggregate rows for %d messages", aggCount, msgCount),
	}
	if aggCount != msgCount {
		f.Status = StatusFail
		f.Meaning = "the wide table dropped or duplicated messages during the join"
		f.Advice = "roll back stage 14 for this run and re-run it"
	} else {
		f.Status = StatusOK
	}
	return []Finding{f}, nil
}

func (v *Verifier) checkValidated(ctx context.Context, stage, runID string) ([]Finding, error) {
	table := warehouse.TableName(v.cfg.Pipeline.Name, warehouse.TableStage15)
	rows, err := v.store.ValidatedRows(ctx, table, runID, nil)
	if err != nil {
		return nil, eris.Wrap(err, "verify: read validated rows")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	byStatus := map[string]int{}
	for _, r := range rows {
		byStatus[r.ValidationStatus]++
	}
	failed := byStatus[model.ValidationFailed]

	f := Finding{
		Stage: stage,
		Check: "validation verdicts",
		Detail: fmt.Sprintf("%d passed, %d warnings, %d failed",
			byStatus[model.ValidationPassed], byStatus[model.ValidationWarning], failed),
	}
	switch {
	case failed == len(rows):
		f.Status = StatusFail
		f.Meaning = "every row failed validation; something upstream is systematically broken"
		f.Advice = "inspect a failed row, fix the upstream stage, roll back and re-run"
	case failed > 0:
		f.Status = StatusWarn
		f.Meaning = "failed rows will not be promoted"
		f.Advice = "inspect the failed rows if the loss matters"
	default:
		f.Status = StatusOK
	}
	return []Finding{f}, nil
}

func (v *Verifier) checkPromoted(ctx context.Context, stage, runID string) ([]Finding, error) {
	table := warehouse.TableName(v.cfg.Pipeline.Name, warehouse.TableStage15)
	passed, err := v.store.ValidatedRows(ctx, table, runID, []string{model.ValidationPassed})
	if err != nil {
		return nil, eris.Wrap(err, "verify: read passed rows")
	}
	promoted, err := v.store.CountRunRows(ctx, warehouse.TableUnified, runID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: count promoted rows")
	}

	f := Finding{
		Stage:  stage,
		Check:  "passed rows promoted",
		Detail: fmt.Sprintf("%d promoted for %d passed", promoted, len(passed)),
	}
	if promoted < int64(len(passed)) {
		f.Status = StatusWarn
		f.Meaning = "some passed rows are not in the unified store; they may have been promoted by an earlier run"
		f.Advice = "re-run stage 16 if the unified store should carry this run's rows"
	} else {
		f.Status = StatusOK
	}
	return []Finding{f}, nil
}
