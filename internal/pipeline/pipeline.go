// Package pipeline implements the 17 numbered stage transformers and the
// auxiliary span/turn/word transformers. Every stage follows the same
// skeleton: check preconditions, gate the hold1 read, transform, gate the
// hold2 write, return a summary. Per-record failures are counted and routed
// to the DLQ; only stage-level failures return an error.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/config"
	"github.com/truth-forge/forge-cli/internal/cost"
	"github.com/truth-forge/forge-cli/internal/governance"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/tracker"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/anthropic"
	"github.com/truth-forge/forge-cli/pkg/gemini"
	"github.com/truth-forge/forge-cli/pkg/sentiment"
)

// DefaultSourceName tags every entity this pipeline emits.
const DefaultSourceName = "claude_code"

// Options are the per-invocation arguments shared by all stages.
type Options struct {
	RunID           string
	DryRun          bool
	BatchSize       int
	Strict          bool
	IncludeWarnings bool
	SourceName      string
}

func (o Options) sourceName() string {
	if o.SourceName == "" {
		return DefaultSourceName
	}
	return o.SourceName
}

// Pipeline owns the stage transformers and their shared dependencies. One
// instance serves a whole run; the membrane and tracker are injected, never
// constructed here.
type Pipeline struct {
	cfg        *config.Config
	store      warehouse.Store
	membrane   *governance.Membrane
	tracker    *tracker.Tracker
	dlq        *resilience.DLQ
	gemini     gemini.Client
	anthropic  anthropic.Client
	classifier sentiment.Client
	calc       *cost.Calculator
}

// Deps bundles the external collaborators a Pipeline needs. LLM clients may
// be nil; stages that need a missing client fail with ExternalPermanent.
type Deps struct {
	Store      warehouse.Store
	Membrane   *governance.Membrane
	Tracker    *tracker.Tracker
	DLQ        *resilience.DLQ
	Gemini     gemini.Client
	Anthropic  anthropic.Client
	Classifier sentiment.Client
}

// New builds a pipeline over the given configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      deps.Store,
		membrane:   deps.Membrane,
		tracker:    deps.Tracker,
		dlq:        deps.DLQ,
		gemini:     deps.Gemini,
		anthropic:  deps.Anthropic,
		classifier: deps.Classifier,
		calc:       cost.NewCalculator(cfg.Pricing),
	}
}

// StageDef describes one runnable transformer: its number (-1 for the named
// auxiliary transformers), its output table suffix ("" for stage 0, which
// writes only the manifest), and the table suffixes it reads.
type StageDef struct {
	Num    int
	Name   string
	Output string
	Inputs []string
	run    func(ctx context.Context, opts Options) (*model.StageSummary, error)
}

// Stages returns every transformer in declaration order. Execution order
// for a full run is given by ExecutionOrder.
func (p *Pipeline) Stages() []StageDef {
	return []StageDef{
		{Num: 0, Name: "discover", Output: "", Inputs: nil, run: p.runDiscover},
		{Num: 1, Name: "parse", Output: warehouse.TableStage1, Inputs: nil, run: p.runParse},
		{Num: 2, Name: "clean", Output: warehouse.TableStage2, Inputs: []string{warehouse.TableStage1}, run: p.runClean},
		{Num: 3, Name: "gate", Output: warehouse.TableStage3, Inputs: []string{warehouse.TableStage2}, run: p.runGate},
		{Num: 4, Name: "correct", Output: warehouse.TableStage4, Inputs: []string{warehouse.TableStage3}, run: p.runCorrect},
		{Num: 5, Name: "conversation", Output: warehouse.TableStage8, Inputs: []string{warehouse.TableStage4}, run: p.runConversation},
		{Num: 6, Name: "sentence", Output: warehouse.TableStage6, Inputs: []string{warehouse.TableStage7}, run: p.runSentence},
		{Num: 7, Name: "message", Output: warehouse.TableStage7, Inputs: []string{warehouse.TableStage4}, run: p.runMessage},
		{Num: 8, Name: "conversation-agg", Output: warehouse.TableStage8, Inputs: []string{warehouse.TableStage7}, run: p.runConversationAgg},
		{Num: 9, Name: "embed", Output: warehouse.TableStage9, Inputs: []string{warehouse.TableStage7}, run: p.runEmbed},
		{Num: 10, Name: "extract", Output: warehouse.TableStage10, Inputs: []string{warehouse.TableStage7}, run: p.runExtract},
		{Num: 11, Name: "sentiment", Output: warehouse.TableStage11, Inputs: []string{warehouse.TableStage6}, run: p.runSentiment},
		{Num: 12, Name: "topics", Output: warehouse.TableStage12, Inputs: []string{warehouse.TableStage7}, run: p.runTopics},
		{Num: 13, Name: "relate", Output: warehouse.TableStage13, Inputs: []string{warehouse.TableStage6, warehouse.TableStage7, warehouse.TableStage8}, run: p.runRelate},
		{Num: 14, Name: "aggregate", Output: warehouse.TableStage14, Inputs: []string{warehouse.TableStage7}, run: p.runAggregate},
		{Num: 15, Name: "validate", Output: warehouse.TableStage15, Inputs: []string{warehouse.TableStage14}, run: p.runValidate},
		{Num: 16, Name: "promote", Output: warehouse.TableUnified, Inputs: []string{warehouse.TableStage15}, run: p.runPromote},

		{Num: -1, Name: "spans", Output: warehouse.TableSpans, Inputs: []string{warehouse.TableStage6}, run: p.runSpans},
		{Num: -1, Name: "turns", Output: warehouse.TableTurns, Inputs: []string{warehouse.TableStage7}, run: p.runTurns},
		{Num: -1, Name: "words", Output: warehouse.TableWords, Inputs: []string{warehouse.TableStage7}, run: p.runWords},
	}
}

// ExecutionOrder is the topological order of the numbered stages. Stage 6
// consumes stage_7 output, so 7 runs first; everything else is numeric.
var ExecutionOrder = []int{0, 1, 2, 3, 4, 5, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15, 16}

// StageByName resolves a transformer by name, or by number given as a
// decimal string.
func (p *Pipeline) StageByName(name string) (StageDef, bool) {
	if n, err := strconv.Atoi(name); err == nil {
		return p.StageByNum(n)
	}
	for _, st := range p.Stages() {
		if st.Name == name {
			return st, true
		}
	}
	return StageDef{}, false
}

// StageByNum resolves a numbered stage.
func (p *Pipeline) StageByNum(num int) (StageDef, bool) {
	if num < 0 {
		return StageDef{}, false
	}
	for _, st := range p.Stages() {
		if st.Num == num {
			return st, true
		}
	}
	return StageDef{}, false
}

// Consumers returns the numbered stages that read the given table suffix.
// Rollback uses this to refuse deletes while downstream rows exist.
func (p *Pipeline) Consumers(suffix string) []StageDef {
	var out []StageDef
	for _, st := range p.Stages() {
		if st.Num < 0 {
			continue
		}
		for _, in := range st.Inputs {
			if in == suffix {
				out = append(out, st)
			}
		}
	}
	return out
}

// Run executes every numbered stage in order under one run_id. The first
// stage-level failure aborts the run.
func (p *Pipeline) Run(ctx context.Context, opts Options) error {
	for _, num := range ExecutionOrder {
		st, ok := p.StageByNum(num)
		if !ok {
			return eris.Errorf("pipeline: unknown stage %d", num)
		}
		if _, err := p.RunStage(ctx, st, opts); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "pipeline: run cancelled")
		}
	}
	return nil
}

// RunStage executes one transformer inside the tracker, with preconditions
// and governance gating applied around the stage body.
func (p *Pipeline) RunStage(ctx context.Context, st StageDef, opts Options) (*model.StageSummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = p.cfg.Pipeline.BatchSize
	}

	return p.tracker.Track(ctx, st.Num, st.Name, opts.RunID, func(ctx context.Context) (*model.StageSummary, error) {
		if err := p.checkInputs(ctx, st, opts.RunID); err != nil {
			return nil, err
		}
		if err := p.gateRead(st.Name, opts.RunID, st.Inputs); err != nil {
			return nil, err
		}

		summary, err := st.run(ctx, opts)

		in, out := 0, 0
		if summary != nil {
			in, out = summary.InputRows, summary.OutputRows
		}
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		p.membrane.RecordAgentAction(st.Name, "pipeline", in, out, err == nil, errMsg)

		if err == nil && summary != nil {
			zap.L().Info("stage complete",
				zap.String("stage", st.Name),
				zap.String("run_id", opts.RunID),
				zap.Int("input_rows", summary.InputRows),
				zap.Int("output_rows", summary.OutputRows),
				zap.Int("errors", summary.Errors),
				zap.Int("skipped", summary.Skipped),
				zap.Bool("dry_run", summary.DryRun),
			)
		}
		return summary, err
	})
}

func (p *Pipeline) checkInputs(ctx context.Context, st StageDef, runID string) error {
	for _, suffix := range st.Inputs {
		table := p.table(suffix)
		exists, err := p.store.TableExists(ctx, table)
		if err != nil {
			return NewStageError(KindInputMissing, st.Name, runID,
				eris.Wrapf(err, "pipeline: check input table %s", table),
				"verify warehouse connectivity")
		}
		if !exists {
			return NewStageError(KindInputMissing, st.Name, runID,
				eris.Errorf("pipeline: input table %s does not exist", table),
				"run the upstream stage first")
		}
	}
	return nil
}

// gateRead gates the agent's hold1 read over the stage's input tables.
func (p *Pipeline) gateRead(stage, runID string, inputs []string) error {
	path := ""
	if len(inputs) > 0 {
		path = p.table(inputs[0])
	}
	if !p.membrane.GateOperation(governance.OpRead, governance.ActorAgent, governance.Hold1, path, map[string]any{"stage": stage}) {
		return NewStageError(KindGovernanceViolation, stage, runID,
			eris.New("pipeline: hold1 read denied"),
			"inspect hold isolation violations in the audit trail")
	}
	return nil
}

// gateWrite gates one agent write into hold2. Every warehouse insert and
// the stage 0 manifest write go through here.
func (p *Pipeline) gateWrite(stage, runID, path string) error {
	if !p.membrane.GateOperation(governance.OpWrite, governance.ActorAgent, governance.Hold2, path, map[string]any{"stage": stage}) {
		return NewStageError(KindGovernanceViolation, stage, runID,
			eris.New("pipeline: hold2 write denied"),
			"inspect hold isolation violations in the audit trail")
	}
	return nil
}

// table resolves a pipeline-scoped table suffix to its physical name.
// entity_unified is global and passes through unchanged.
func (p *Pipeline) table(suffix string) string {
	if suffix == warehouse.TableUnified {
		return suffix
	}
	return warehouse.TableName(p.cfg.Pipeline.Name, suffix)
}

func errMissingClient(service string) error {
	return eris.Errorf("pipeline: no %s client configured", service)
}

// fingerprint hashes content for duplicate detection. Same digest shape as
// entity IDs: first 32 hex chars of sha256.
func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:32]
}

// chunk splits rows into batches of at most size for warehouse inserts.
func chunk[T any](rows []T, size int) [][]T {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]T
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}
