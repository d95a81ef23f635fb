package pipeline

import (
	"context"

	"github.com/truth-forge/forge-cli/pkg/anthropic"
	"github.com/truth-forge/forge-cli/pkg/gemini"
	"github.com/truth-forge/forge-cli/pkg/sentiment"
)

// mockGemini implements gemini.Client with swappable behavior per test.
type mockGemini struct {
	generateFn func(ctx context.Context, req gemini.GenerateRequest) (*gemini.GenerateResponse, error)
	embedFn    func(ctx context.Context, texts []string) (*gemini.EmbedResponse, error)

	generateCalls int
	embedCalls    int
}

func (m *mockGemini) GenerateContent(ctx context.Context, req gemini.GenerateRequest) (*gemini.GenerateResponse, error) {
	m.generateCalls++
	return m.generateFn(ctx, req)
}

func (m *mockGemini) EmbedContents(ctx context.Context, texts []string) (*gemini.EmbedResponse, error) {
	m.embedCalls++
	return m.embedFn(ctx, texts)
}

// constEmbedder returns a fixed-dimension vector for every text, varying
// the first component so vectors are distinguishable by input order.
func constEmbedder(dim int) *mockGemini {
	return &mockGemini{
		embedFn: func(_ context.Context, texts []string) (*gemini.EmbedResponse, error) {
			out := make([][]float64, len(texts))
			for i := range texts {
				vec := make([]float64, dim)
				vec[0] = 1
				vec[dim-1] = float64(i + 1)
				out[i] = vec
			}
			return &gemini.EmbedResponse{Model: "gemini-embedding-001", Embeddings: out}, nil
		},
	}
}

// mockAnthropic implements anthropic.Client.
type mockAnthropic struct {
	createFn func(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
	calls    int
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.calls++
	return m.createFn(ctx, req)
}

// echoCorrector returns the prompt text unchanged, as a correction model
// that found nothing to fix would.
func echoCorrector() *mockAnthropic {
	return &mockAnthropic{
		createFn: func(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
			text := ""
			if len(req.Messages) > 0 {
				text = req.Messages[0].Content
			}
			return &anthropic.MessageResponse{
				ID:    "msg_mock",
				Model: req.Model,
				Content: []anthropic.ContentBlock{
					{Type: "text", Text: text},
				},
				StopReason: "end_turn",
				Usage:      anthropic.TokenUsage{InputTokens: 10, OutputTokens: 10},
			}, nil
		},
	}
}

// fixedCorrector always returns the given corrected text.
func fixedCorrector(corrected string) *mockAnthropic {
	return &mockAnthropic{
		createFn: func(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
			return &anthropic.MessageResponse{
				ID:    "msg_mock",
				Model: req.Model,
				Content: []anthropic.ContentBlock{
					{Type: "text", Text: corrected},
				},
				StopReason: "end_turn",
				Usage:      anthropic.TokenUsage{InputTokens: 10, OutputTokens: 10},
			}, nil
		},
	}
}

// mockClassifier implements sentiment.Client.
type mockClassifier struct {
	classifyFn func(ctx context.Context, texts []string) ([][]sentiment.Score, error)
	calls      int
}

func (m *mockClassifier) Classify(ctx context.Context, texts []string) ([][]sentiment.Score, error) {
	m.calls++
	return m.classifyFn(ctx, texts)
}

// constClassifier scores every text with the same distribution.
func constClassifier(scores []sentiment.Score) *mockClassifier {
	return &mockClassifier{
		classifyFn: func(_ context.Context, texts []string) ([][]sentiment.Score, error) {
			out := make([][]sentiment.Score, len(texts))
			for i := range out {
				out[i] = scores
			}
			return out, nil
		},
	}
}
