package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// compactionMarker opens the continuation message a client emits after
// compacting a long session. A message starting with it begins a new L7
// segment.
const compactionMarker = "This session is being continued"

// msgView is the level-independent projection both session aggregators
// (stage 5 over staged records, stage 8 over L5 messages) consume.
type msgView struct {
	Role      string
	Model     string
	ToolName  string
	CostUSD   float64
	WordCount int
	CharCount int
	Timestamp time.Time
}

// runConversation is stage 5: seed one L8 row per session and split each
// session into L7 compaction segments.
func (p *Pipeline) runConversation(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "conversation"

	input := p.table(warehouse.TableStage4)
	staged, err := p.store.StagedRecords(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(staged), DryRun: opts.DryRun}
	now := time.Now().UTC()
	source := opts.sourceName()

	bySession := map[string][]model.StagedRecord{}
	for _, rec := range staged {
		bySession[rec.SessionID] = append(bySession[rec.SessionID], rec)
	}

	var convs []model.ConversationEntity
	var segments []model.SegmentEntity
	for session, recs := range bySession {
		sort.Slice(recs, func(i, j int) bool { return recs[i].MessageIndex < recs[j].MessageIndex })

		views := make([]msgView, len(recs))
		for i, r := range recs {
			views[i] = msgView{
				Role:      r.MessageType,
				Model:     r.Model,
				ToolName:  r.ToolName,
				CostUSD:   r.CostUSD,
				WordCount: len(strings.Fields(r.ContentCleaned)),
				CharCount: len([]rune(r.ContentCleaned)),
				Timestamp: r.TimestampUTC,
			}
		}
		convs = append(convs, buildConversation(source, p.cfg.Pipeline.Name, session, views, opts.RunID, now))
		segments = append(segments, splitSegments(source, p.cfg.Pipeline.Name, session, recs, opts.RunID, now)...)
	}

	sort.Slice(convs, func(i, j int) bool { return convs[i].SessionID < convs[j].SessionID })
	sort.Slice(segments, func(i, j int) bool { return segments[i].EntityID < segments[j].EntityID })

	if opts.DryRun {
		summary.OutputRows = len(convs) + len(segments)
		return summary, nil
	}

	convTable := p.table(warehouse.TableStage8)
	segTable := p.table(warehouse.TableStage7b)
	if err := p.gateWrite(stage, opts.RunID, convTable); err != nil {
		return nil, err
	}
	n, err := p.store.UpsertConversations(ctx, convTable, convs)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}
	summary.OutputRows += int(n)

	if err := p.gateWrite(stage, opts.RunID, segTable); err != nil {
		return nil, err
	}
	for _, batch := range chunk(segments, opts.BatchSize) {
		n, err := p.store.InsertSegments(ctx, segTable, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}

	var reg []warehouse.RegistryEntry
	for _, c := range convs {
		reg = append(reg, warehouse.RegistryEntry{EntityID: c.EntityID, Level: model.LevelConversation, SourcePipeline: c.SourcePipeline, RunID: opts.RunID})
	}
	for _, s := range segments {
		reg = append(reg, warehouse.RegistryEntry{EntityID: s.EntityID, Level: model.LevelSegment, SourcePipeline: s.SourcePipeline, RunID: opts.RunID})
	}
	if _, err := p.store.MergeRegistry(ctx, reg); err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err, "")
	}
	return summary, nil
}

// runMessage is stage 7: project one L5 entity per staged record.
func (p *Pipeline) runMessage(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "message"

	input := p.table(warehouse.TableStage4)
	staged, err := p.store.StagedRecords(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(staged), DryRun: opts.DryRun}
	now := time.Now().UTC()
	source := opts.sourceName()

	rows := make([]model.MessageEntity, 0, len(staged))
	for _, rec := range staged {
		rows = append(rows, model.MessageEntity{
			EntityID:       identity.MessageID(source, rec.SessionID, rec.MessageIndex),
			ParentID:       identity.ConversationID(source, rec.SessionID),
			Level:          model.LevelMessage,
			SourceName:     source,
			SourcePipeline: p.cfg.Pipeline.Name,
			Text:           rec.ContentCleaned,
			Role:           rec.MessageType,
			MessageType:    rec.MessageType,
			MessageIndex:   rec.MessageIndex,
			WordCount:      len(strings.Fields(rec.ContentCleaned)),
			CharCount:      len([]rune(rec.ContentCleaned)),
			Model:          rec.Model,
			CostUSD:        rec.CostUSD,
			ToolName:       rec.ToolName,
			SessionID:      rec.SessionID,
			ContentDate:    dateOf(rec.TimestampUTC),
			TimestampUTC:   rec.TimestampUTC,
			Fingerprint:    rec.Fingerprint,
			RunID:          opts.RunID,
			CreatedAt:      now,
		})
	}

	if opts.DryRun {
		summary.OutputRows = len(rows)
		return summary, nil
	}

	table := p.table(warehouse.TableStage7)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(rows, opts.BatchSize) {
		n, err := p.store.InsertMessages(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	summary.Skipped = len(rows) - summary.OutputRows

	var reg []warehouse.RegistryEntry
	for _, m := range rows {
		reg = append(reg, warehouse.RegistryEntry{EntityID: m.EntityID, Level: model.LevelMessage, SourcePipeline: m.SourcePipeline, RunID: opts.RunID})
	}
	if _, err := p.store.MergeRegistry(ctx, reg); err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err, "")
	}
	return summary, nil
}

// runConversationAgg is stage 8: the canonical session aggregation over L5
// messages. IDs match stage 5's, so the upsert refreshes the seed rows in
// place.
func (p *Pipeline) runConversationAgg(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "conversation-agg"

	input := p.table(warehouse.TableStage7)
	msgs, err := p.store.Messages(ctx, input, opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs), DryRun: opts.DryRun}
	now := time.Now().UTC()
	source := opts.sourceName()

	bySession := map[string][]msgView{}
	for _, m := range msgs {
		bySession[m.SessionID] = append(bySession[m.SessionID], msgView{
			Role:      m.Role,
			Model:     m.Model,
			ToolName:  m.ToolName,
			CostUSD:   m.CostUSD,
			WordCount: m.WordCount,
			CharCount: m.CharCount,
			Timestamp: m.TimestampUTC,
		})
	}

	var convs []model.ConversationEntity
	for session, views := range bySession {
		convs = append(convs, buildConversation(source, p.cfg.Pipeline.Name, session, views, opts.RunID, now))
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].SessionID < convs[j].SessionID })

	if opts.DryRun {
		summary.OutputRows = len(convs)
		return summary, nil
	}

	table := p.table(warehouse.TableStage8)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	n, err := p.store.UpsertConversations(ctx, table, convs)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}
	summary.OutputRows = int(n)
	return summary, nil
}

// buildConversation rolls one session's messages into an L8 row.
func buildConversation(source, pipeline, session string, views []msgView, runID string, now time.Time) model.ConversationEntity {
	conv := model.ConversationEntity{
		EntityID:       identity.ConversationID(source, session),
		Level:          model.LevelConversation,
		SourceName:     source,
		SourcePipeline: pipeline,
		SessionID:      session,
		RunID:          runID,
		CreatedAt:      now,
	}

	models := map[string]bool{}
	tools := map[string]bool{}
	var first, last time.Time
	for _, v := range views {
		conv.MessageCount++
		switch v.Role {
		case "user":
			conv.UserMessageCount++
		case "assistant":
			conv.AssistantMessageCount++
		case "tool_result", "tool_use":
			conv.ToolMessageCount++
		}
		conv.TotalWordCount += v.WordCount
		conv.TotalCharCount += v.CharCount
		conv.TotalCostUSD += v.CostUSD
		if v.Model != "" {
			models[v.Model] = true
		}
		if v.ToolName != "" {
			tools[v.ToolName] = true
		}
		if !v.Timestamp.IsZero() {
			if first.IsZero() || v.Timestamp.Before(first) {
				first = v.Timestamp
			}
			if last.IsZero() || v.Timestamp.After(last) {
				last = v.Timestamp
			}
		}
	}

	conv.ModelsUsed = sortedKeys(models)
	conv.ToolsUsed = sortedKeys(tools)
	conv.FirstMessageAt = first
	conv.LastMessageAt = last
	if !first.IsZero() && !last.IsZero() {
		conv.DurationSeconds = last.Sub(first).Seconds()
	}
	conv.ContentDate = dateOf(first)
	return conv
}

// splitSegments cuts one session into L7 segments at compaction markers.
// Sessions without a marker yield a single segment.
func splitSegments(source, pipeline, session string, recs []model.StagedRecord, runID string, now time.Time) []model.SegmentEntity {
	var boundaries []int // index into recs where a new segment starts
	boundaries = append(boundaries, 0)
	for i, r := range recs {
		if i > 0 && strings.HasPrefix(r.ContentCleaned, compactionMarker) {
			boundaries = append(boundaries, i)
		}
	}

	parent := identity.ConversationID(source, session)
	segments := make([]model.SegmentEntity, 0, len(boundaries))
	for s, start := range boundaries {
		end := len(recs)
		if s+1 < len(boundaries) {
			end = boundaries[s+1]
		}
		part := recs[start:end]
		if len(part) == 0 {
			continue
		}

		var first, last time.Time
		for _, r := range part {
			if r.TimestampUTC.IsZero() {
				continue
			}
			if first.IsZero() || r.TimestampUTC.Before(first) {
				first = r.TimestampUTC
			}
			if last.IsZero() || r.TimestampUTC.After(last) {
				last = r.TimestampUTC
			}
		}

		segments = append(segments, model.SegmentEntity{
			EntityID:       identity.SegmentID(source, session, s),
			ParentID:       parent,
			Level:          model.LevelSegment,
			SourceName:     source,
			SourcePipeline: pipeline,
			SessionID:      session,
			SegmentIndex:   s,
			MessageCount:   len(part),
			FirstMessageAt: first,
			LastMessageAt:  last,
			ContentDate:    dateOf(first),
			RunID:          runID,
			CreatedAt:      now,
		})
	}
	return segments
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// dateOf formats the content_date partition value; zero times yield "".
func dateOf(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
