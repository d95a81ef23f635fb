package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContent(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantErr  string
		wantText string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"candidates": [{"content": {"parts": [{"text": "GO"}]}, "finishReason": "STOP"}],
				"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 1}
			}`,
			wantText: "GO",
		},
		{
			name:    "rate_limit",
			status:  http.StatusTooManyRequests,
			body:    `{"error": {"message": "quota exceeded"}}`,
			wantErr: "unexpected status 429",
		},
		{
			name:    "no_candidates",
			status:  http.StatusOK,
			body:    `{"candidates": []}`,
			wantErr: "no candidates",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Contains(t, r.URL.Path, ":generateContent")
				assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("test-key", WithBaseURL(srv.URL))
			resp, err := c.GenerateContent(context.Background(), GenerateRequest{Prompt: "hi"})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, resp.Text)
			assert.Equal(t, 12, resp.TokensIn)
			assert.Equal(t, 1, resp.TokensOut)
		})
	}
}

func TestGenerateContent_SendsOutputTokenCap(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.GenerateContent(context.Background(), GenerateRequest{Prompt: "hi", MaxTokens: 256})
	require.NoError(t, err)
	assert.Contains(t, gotBody, `"maxOutputTokens":256`)

	_, err = c.GenerateContent(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.NotContains(t, gotBody, "generationConfig")
}

func TestGenerateContent_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`overloaded`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.GenerateContent(context.Background(), GenerateRequest{Prompt: "hi"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestEmbedContents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":batchEmbedContents")
		w.Write([]byte(`{"embeddings": [{"values": [0.1, 0.2]}, {"values": [0.3, 0.4]}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.EmbedContents(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float64{0.1, 0.2}, resp.Embeddings[0])
	assert.Equal(t, []float64{0.3, 0.4}, resp.Embeddings[1])
}

func TestEmbedContents_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings": [{"values": [0.1]}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.EmbedContents(context.Background(), []string{"one", "two"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 embeddings for 2 texts")
}

func TestEmbedContents_BatchLimit(t *testing.T) {
	c := NewClient("test-key")
	texts := make([]string, MaxBatchTexts+1)
	for i := range texts {
		texts[i] = "x"
	}
	_, err := c.EmbedContents(context.Background(), texts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestEmbedContents_Empty(t *testing.T) {
	c := NewClient("test-key")
	resp, err := c.EmbedContents(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Embeddings)
}

func TestEmbedContents_SendsModelPerRequest(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"embeddings": [{"values": [0.1]}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithEmbeddingModel("gemini-embedding-001"))
	_, err := c.EmbedContents(context.Background(), []string{"one"})
	require.NoError(t, err)
	assert.Contains(t, gotBody, `"models/gemini-embedding-001"`)
}
