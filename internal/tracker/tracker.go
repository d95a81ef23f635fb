// Package tracker persists per-stage execution records around stage runs.
package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// Tracker records stage executions in the warehouse.
type Tracker struct {
	store    warehouse.Store
	pipeline string
}

// New creates a Tracker for one pipeline.
func New(store warehouse.Store, pipeline string) *Tracker {
	return &Tracker{store: store, pipeline: pipeline}
}

// Track runs fn inside a stage run record. The record starts as running,
// finishes as complete with the summary's output count, or as failed with
// the error message. The error from fn is returned unchanged either way.
func (t *Tracker) Track(ctx context.Context, stageNum int, stageName, runID string, fn func(context.Context) (*model.StageSummary, error)) (*model.StageSummary, error) {
	run := &model.StageRun{
		ID:           uuid.New().String(),
		PipelineName: t.pipeline,
		StageNum:     stageNum,
		StageName:    stageName,
		RunID:        runID,
		Status:       model.StageRunRunning,
		StartedAt:    time.Now().UTC(),
	}
	if err := t.store.CreateStageRun(ctx, run); err != nil {
		return nil, err
	}

	summary, err := fn(ctx)

	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Status = model.StageRunFailed
		run.Error = err.Error()
	} else {
		run.Status = model.StageRunComplete
		if summary != nil {
			run.ItemsProcessed = int64(summary.OutputRows)
		}
	}
	if finishErr := t.store.FinishStageRun(ctx, run); finishErr != nil {
		// The stage result matters more than the bookkeeping write.
		zap.L().Error("tracker: finish stage run",
			zap.String("stage", stageName),
			zap.String("run_id", runID),
			zap.Error(finishErr),
		)
	}
	return summary, err
}

// Runs returns the stage run history for a run id.
func (t *Tracker) Runs(ctx context.Context, runID string) ([]model.StageRun, error) {
	return t.store.StageRuns(ctx, runID)
}
