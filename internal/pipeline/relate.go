package pipeline

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

// runRelate is stage 13: structural edges from the entity hierarchy plus
// similarity edges from stage 9 embeddings when those exist. All IDs are
// deterministic, so re-runs insert nothing new.
func (p *Pipeline) runRelate(ctx context.Context, opts Options) (*model.StageSummary, error) {
	const stage = "relate"

	msgs, err := p.store.Messages(ctx, p.table(warehouse.TableStage7), opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}
	sentences, err := p.store.Sentences(ctx, p.table(warehouse.TableStage6), opts.RunID)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}

	summary := &model.StageSummary{InputRows: len(msgs) + len(sentences), DryRun: opts.DryRun}
	now := time.Now().UTC()
	var edges []model.Relationship

	edge := func(srcID, tgtID, relType string, srcLevel, tgtLevel model.Level, weight float64, meta map[string]any) {
		edges = append(edges, model.Relationship{
			RelationshipID:   identity.RelationshipID(srcID, tgtID, relType),
			SourceEntityID:   srcID,
			TargetEntityID:   tgtID,
			RelationshipType: relType,
			SourceLevel:      srcLevel,
			TargetLevel:      tgtLevel,
			Weight:           weight,
			Metadata:         meta,
			RunID:            opts.RunID,
			CreatedAt:        now,
		})
	}

	// Hierarchy: conversation contains message, message contains sentence.
	for _, m := range msgs {
		if m.ParentID != "" {
			edge(m.ParentID, m.EntityID, model.RelContains, model.LevelConversation, model.LevelMessage, 1.0, nil)
		}
	}
	for _, s := range sentences {
		if s.ParentID != "" {
			edge(s.ParentID, s.EntityID, model.RelContains, model.LevelMessage, model.LevelSentence, 1.0, nil)
		}
	}

	// Sequence: each message relates to its predecessor; an assistant
	// message after a user message is a response, anything else merely
	// follows.
	bySession := map[string][]model.MessageEntity{}
	for _, m := range msgs {
		bySession[m.SessionID] = append(bySession[m.SessionID], m)
	}
	sessions := make([]string, 0, len(bySession))
	for s := range bySession {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	for _, session := range sessions {
		sessionMsgs := bySession[session]
		sort.Slice(sessionMsgs, func(i, j int) bool {
			return sessionMsgs[i].MessageIndex < sessionMsgs[j].MessageIndex
		})
		for i := 1; i < len(sessionMsgs); i++ {
			prev, cur := sessionMsgs[i-1], sessionMsgs[i]
			relType := model.RelFollows
			if prev.Role == "user" && cur.Role == "assistant" {
				relType = model.RelRespondsTo
			}
			edge(cur.EntityID, prev.EntityID, relType, model.LevelMessage, model.LevelMessage, 1.0, nil)
		}
	}

	// Similarity: cosine over stage 9 embeddings, top-N neighbors above
	// the configured floor. Skipped entirely when stage 9 has not run; a
	// failing read of an existing table is a real error, not a skip.
	embedTable := p.table(warehouse.TableStage9)
	hasEmbeddings, err := p.store.TableExists(ctx, embedTable)
	if err != nil {
		return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
			"verify the warehouse schema matches this release")
	}
	if hasEmbeddings {
		embeddings, err := p.store.Embeddings(ctx, embedTable, opts.RunID)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		if len(embeddings) > 1 {
			for _, e := range similarityEdges(embeddings, p.cfg.Pipeline.SimilarityTopN, p.cfg.Pipeline.SimilarityMinScore) {
				edge(e.src, e.tgt, model.RelSimilarTopic, model.LevelMessage, model.LevelMessage, e.score,
					map[string]any{"cosine": e.score})
			}
		}
	}

	if opts.DryRun {
		summary.OutputRows = len(edges)
		return summary, nil
	}

	table := p.table(warehouse.TableStage13)
	if err := p.gateWrite(stage, opts.RunID, table); err != nil {
		return nil, err
	}
	for _, batch := range chunk(edges, opts.BatchSize) {
		n, err := p.store.InsertRelationships(ctx, table, batch)
		if err != nil {
			return nil, NewStageError(KindSchemaMismatch, stage, opts.RunID, err,
				"verify the warehouse schema matches this release")
		}
		summary.OutputRows += int(n)
	}
	summary.Skipped = len(edges) - summary.OutputRows
	return summary, nil
}

type simEdge struct {
	src, tgt string
	score    float64
}

// similarityEdges finds, for each embedded entity, its topN cosine
// neighbors scoring at least minScore. Each pair is emitted once with the
// lexicographically smaller ID as source.
func similarityEdges(embeddings []model.Embedding, topN int, minScore float64) []simEdge {
	if topN <= 0 {
		return nil
	}

	type scored struct {
		other string
		score float64
	}
	pairs := map[[2]string]float64{}

	for i, a := range embeddings {
		var neighbors []scored
		for j, b := range embeddings {
			if i == j {
				continue
			}
			s := cosine(a.Embedding, b.Embedding)
			if s >= minScore {
				neighbors = append(neighbors, scored{other: b.EntityID, score: s})
			}
		}
		sort.Slice(neighbors, func(x, y int) bool {
			if neighbors[x].score != neighbors[y].score {
				return neighbors[x].score > neighbors[y].score
			}
			return neighbors[x].other < neighbors[y].other
		})
		if len(neighbors) > topN {
			neighbors = neighbors[:topN]
		}
		for _, n := range neighbors {
			key := [2]string{a.EntityID, n.other}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			pairs[key] = n.score
		}
	}

	edges := make([]simEdge, 0, len(pairs))
	for key, score := range pairs {
		edges = append(edges, simEdge{src: key[0], tgt: key[1], score: score})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].src != edges[j].src {
			return edges[i].src < edges[j].src
		}
		return edges[i].tgt < edges[j].tgt
	})
	return edges
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
