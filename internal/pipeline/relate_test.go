package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/tracker"
	"github.com/truth-forge/forge-cli/internal/warehouse"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Degenerate inputs score zero rather than NaN.
	assert.Zero(t, cosine([]float64{0, 0}, []float64{1, 0}))
	assert.Zero(t, cosine([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Zero(t, cosine(nil, nil))
}

func embOf(id string, vec ...float64) model.Embedding {
	return model.Embedding{EntityID: id, Embedding: vec}
}

func TestSimilarityEdges(t *testing.T) {
	embeddings := []model.Embedding{
		embOf("a", 1, 0),
		embOf("b", 1, 0.01), // near a
		embOf("c", 0, 1),    // orthogonal to a and b
	}

	edges := similarityEdges(embeddings, 5, 0.9)

	// Only a-b clears the threshold, emitted once with a as source.
	require.Len(t, edges, 1)
	assert.Equal(t, "a", edges[0].src)
	assert.Equal(t, "b", edges[0].tgt)
	assert.Greater(t, edges[0].score, 0.9)
}

func TestSimilarityEdges_TopN(t *testing.T) {
	// Four near-identical vectors; topN 1 keeps each entity's best
	// neighbor only, and pair dedup collapses mirrored picks.
	embeddings := []model.Embedding{
		embOf("a", 1, 0.001),
		embOf("b", 1, 0.002),
		embOf("c", 1, 0.003),
		embOf("d", 1, 0.004),
	}

	all := similarityEdges(embeddings, 10, 0.5)
	assert.Len(t, all, 6, "every pair with a generous topN")

	limited := similarityEdges(embeddings, 1, 0.5)
	assert.True(t, len(limited) < len(all))
	for _, e := range limited {
		assert.Less(t, e.src, e.tgt, "source is the lexicographically smaller ID")
	}
}

func TestSimilarityEdges_Deterministic(t *testing.T) {
	embeddings := []model.Embedding{
		embOf("x", 1, 0.1),
		embOf("y", 1, 0.2),
		embOf("z", 1, 0.3),
	}

	first := similarityEdges(embeddings, 2, 0.5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, similarityEdges(embeddings, 2, 0.5))
	}
}

func TestSimilarityEdges_Empty(t *testing.T) {
	assert.Empty(t, similarityEdges(nil, 5, 0.5))
	assert.Empty(t, similarityEdges([]model.Embedding{embOf("a", 1)}, 5, 0.5))
	assert.Empty(t, similarityEdges([]model.Embedding{embOf("a", 1), embOf("b", 1)}, 0, 0.5))
}

// failingEmbeddingsStore reports the embeddings table present but fails the
// read, the way a warehouse outage mid-query would.
type failingEmbeddingsStore struct {
	warehouse.Store
}

func (f failingEmbeddingsStore) Embeddings(ctx context.Context, table, runID string) ([]model.Embedding, error) {
	return nil, errors.New("disk I/O error")
}

func TestRunRelate_EmbeddingReadErrorSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-rel.jsonl", sessionLines()...)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message")

	broken := New(env.cfg, Deps{
		Store:    failingEmbeddingsStore{Store: env.store},
		Membrane: env.membrane,
		Tracker:  tracker.New(env.store, env.cfg.Pipeline.Name),
		DLQ:      resilience.NewDLQ(env.cfg.Staging.Dir),
	})
	st, ok := broken.StageByName("relate")
	require.True(t, ok)

	_, err := broken.RunStage(context.Background(), st, testOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}
