// Package rollback deletes one stage's output for one run so the stage can
// be re-run cleanly. Deletes are scoped to a run_id, refuse to proceed
// while downstream stages still hold derived rows, and fail closed when
// that check itself cannot complete.
package rollback

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/config"
	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/pipeline"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// Blocker is a downstream stage that still holds rows derived from the
// stage being rolled back.
type Blocker struct {
	Stage string `json:"stage"`
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// Plan describes what a rollback would delete. Execute only accepts a plan
// with no blockers.
type Plan struct {
	Stage    string    `json:"stage"`
	RunID    string    `json:"run_id"`
	Tables   []string  `json:"tables"`
	Rows     int64     `json:"rows"`
	Blockers []Blocker `json:"blockers,omitempty"`
}

// Blocked reports whether downstream rows prevent this rollback.
func (p *Plan) Blocked() bool { return len(p.Blockers) > 0 }

// Rollbacker plans and executes per-run stage deletes.
type Rollbacker struct {
	cfg   *config.Config
	store warehouse.Store
	pipe  *pipeline.Pipeline
}

// New builds a rollbacker over the pipeline's warehouse.
func New(cfg *config.Config, store warehouse.Store, pipe *pipeline.Pipeline) *Rollbacker {
	return &Rollbacker{cfg: cfg, store: store, pipe: pipe}
}

// PlanStage computes what rolling back a stage for a run would delete and
// which downstream stages block it. Stage 0 has no warehouse rows and
// cannot be rolled back here; re-running discovery overwrites its manifest.
func (r *Rollbacker) PlanStage(ctx context.Context, stageName, runID string) (*Plan, error) {
	if !identity.ValidRunID(runID) {
		return nil, eris.Errorf("rollback: invalid run id %q", runID)
	}
	st, ok := r.pipe.StageByName(stageName)
	if !ok {
		return nil, eris.Errorf("rollback: unknown stage %q", stageName)
	}
	if st.Output == "" {
		return nil, eris.Errorf("rollback: stage %s writes no warehouse table; re-run it to overwrite its output", st.Name)
	}

	plan := &Plan{Stage: st.Name, RunID: runID, Tables: r.tablesFor(st)}

	for _, table := range plan.Tables {
		n, err := r.store.CountRunRows(ctx, table, runID)
		if err != nil {
			return nil, eris.Wrapf(err, "rollback: count rows in %s", table)
		}
		plan.Rows += n
	}

	// Fail closed: any error while checking a consumer blocks the delete,
	// because an unverified consumer may still hold derived rows.
	for _, consumer := range r.pipe.Consumers(st.Output) {
		if consumer.Output == "" {
			continue
		}
		table := r.physical(consumer.Output)
		n, err := r.store.CountRunRows(ctx, table, runID)
		if err != nil {
			return nil, eris.Wrapf(err,
				"rollback: could not verify downstream stage %s; refusing to delete", consumer.Name)
		}
		if n > 0 {
			plan.Blockers = append(plan.Blockers, Blocker{
				Stage: consumer.Name,
				Table: table,
				Rows:  n,
			})
		}
	}
	return plan, nil
}

// Execute deletes the planned rows. A blocked plan is refused; roll back
// the blocking stages first, deepest downstream first.
func (r *Rollbacker) Execute(ctx context.Context, plan *Plan) (int64, error) {
	if plan.Blocked() {
		return 0, eris.Errorf("rollback: %s is blocked by %s", plan.Stage, describeBlockers(plan.Blockers))
	}

	var deleted int64
	for _, table := range plan.Tables {
		n, err := r.store.DeleteRunRows(ctx, table, plan.RunID)
		if err != nil {
			return deleted, eris.Wrapf(err, "rollback: delete from %s", table)
		}
		deleted += n
	}

	zap.L().Info("rollback complete",
		zap.String("stage", plan.Stage),
		zap.String("run_id", plan.RunID),
		zap.Int64("rows_deleted", deleted),
	)
	return deleted, nil
}

// ListRuns returns the runs present in a stage's output table, newest first.
func (r *Rollbacker) ListRuns(ctx context.Context, stageName string) ([]model.RunCount, error) {
	st, ok := r.pipe.StageByName(stageName)
	if !ok {
		return nil, eris.Errorf("rollback: unknown stage %q", stageName)
	}
	if st.Output == "" {
		return nil, eris.Errorf("rollback: stage %s writes no warehouse table", st.Name)
	}
	return r.store.RunsInTable(ctx, r.physical(st.Output))
}

// tablesFor returns every physical table a stage writes. Stage 5 seeds
// conversations and writes the segment table alongside them.
func (r *Rollbacker) tablesFor(st pipeline.StageDef) []string {
	tables := []string{r.physical(st.Output)}
	if st.Num == 5 {
		tables = append(tables, r.physical(warehouse.TableStage7b))
	}
	return tables
}

func (r *Rollbacker) physical(suffix string) string {
	if suffix == warehouse.TableUnified {
		return suffix
	}
	return warehouse.TableName(r.cfg.Pipeline.Name, suffix)
}

func describeBlockers(blockers []Blocker) string {
	out := ""
	for i, b := range blockers {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s (%d rows in %s)", b.Stage, b.Rows, b.Table)
	}
	return out
}
