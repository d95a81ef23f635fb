package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runTurns is the L6 transformer: group each session's messages into
// user→assistant exchanges. A turn opens at a user message and collects
// everything up to (not including) the next user message.
func (p *Pipeline) runTurns(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "turns"

	input := p.table(warehouse.TableStage7)
	msgs, err := p.store.Messages(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs), DryRun: opts.DryRun}
	now := time.Now().UTC()
	source := opts.sourceName()

	bySession := map[string][]model.MessageEntity{}
	for _, m := range msgs {
		bySession[m.SessionID] = append(bySession[m.SessionID], m)
	}

	var rows []model.TurnEntity
	for session, sessionMsgs := range bySession {
		sort.Slice(sessionMsgs, func(i, j int) bool {
			return sessionMsgs[i].MessageIndex < sessionMsgs[j].MessageIndex
		})

		parent := identity.ConversationID(source, session)
		turnIdx := -1
		var current []model.MessageEntity
		flush := func() {
			if turnIdx < 0 || len(current) == 0 {
				return
			}
			first := current[0]
			last := current[len(current)-1]
			rows = append(rows, model.TurnEntity{
				EntityID:       identity.TurnID(source, session, turnIdx),
				ParentID:       parent,
				Level:          model.LevelTurn,
				SourceName:     source,
				SourcePipeline: p.cfg.Pipeline.Name,
				SessionID:      session,
				TurnIndex:      turnIdx,
				MessageCount:   len(current),
				FirstMessageID: first.EntityID,
				LastMessageID:  last.EntityID,
				ContentDate:    first.ContentDate,
				RunID:          opts.RunID,
				CreatedAt:      now,
			})
		}

		for _, m := range sessionMsgs {
			if m.Role == "user" {
				flush()
				turnIdx++
				current = current[:0]
			}
			if turnIdx < 0 {
				// Leading non-user messages belong to no turn.
				summary.Skipped++
				continue
			}
			current = append(current, m)
		}
		flush()
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableTurns)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertTurns(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	return summary, nil
}
