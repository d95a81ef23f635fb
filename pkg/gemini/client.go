// Package gemini is a minimal client for the Gemini generateContent and
// batchEmbedContents endpoints.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel          = "gemini-2.0-flash"
	defaultEmbeddingModel = "gemini-embedding-001"

	// MaxBatchTexts is the hard cap the batch embedding endpoint accepts.
	MaxBatchTexts = 100
)

// Client performs content generation and embedding against the Gemini API.
type Client interface {
	GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	EmbedContents(ctx context.Context, texts []string) (*EmbedResponse, error)
}

// GenerateRequest is one text-generation call. A zero MaxTokens leaves the
// model's default output cap in place.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

// GenerateResponse carries the first candidate's text plus token usage.
type GenerateResponse struct {
	Text         string
	Model        string
	TokensIn     int
	TokensOut    int
	FinishReason string
}

// EmbedResponse carries one vector per input text, in input order.
type EmbedResponse struct {
	Model      string
	Embeddings [][]float64
}

// StatusError reports a non-2xx API response so callers can classify it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default generation model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithEmbeddingModel overrides the default embedding model.
func WithEmbeddingModel(model string) Option {
	return func(c *httpClient) {
		c.embeddingModel = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	http           *http.Client
}

// NewClient creates a Gemini API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		model:          defaultModel,
		embeddingModel: defaultEmbeddingModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Wire types.

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Parts []wirePart `json:"parts"`
}

type wireGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type wireGenerateRequest struct {
	Contents         []wireContent         `json:"contents"`
	GenerationConfig *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireGenerateResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type wireEmbedRequest struct {
	Requests []struct {
		Model   string      `json:"model"`
		Content wireContent `json:"content"`
	} `json:"requests"`
}

type wireEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

func (c *httpClient) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	body := wireGenerateRequest{
		Contents: []wireContent{{Parts: []wirePart{{Text: req.Prompt}}}},
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.GenerationConfig = &wireGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	var result wireGenerateResponse
	if err := c.post(ctx, url, body, &result); err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		return nil, eris.New("gemini: response has no candidates")
	}

	text := ""
	for _, p := range result.Candidates[0].Content.Parts {
		text += p.Text
	}
	return &GenerateResponse{
		Text:         text,
		Model:        model,
		TokensIn:     result.UsageMetadata.PromptTokenCount,
		TokensOut:    result.UsageMetadata.CandidatesTokenCount,
		FinishReason: result.Candidates[0].FinishReason,
	}, nil
}

func (c *httpClient) EmbedContents(ctx context.Context, texts []string) (*EmbedResponse, error) {
	if len(texts) == 0 {
		return &EmbedResponse{Model: c.embeddingModel}, nil
	}
	if len(texts) > MaxBatchTexts {
		return nil, eris.Errorf("gemini: batch of %d texts exceeds limit %d", len(texts), MaxBatchTexts)
	}

	var body wireEmbedRequest
	for _, text := range texts {
		body.Requests = append(body.Requests, struct {
			Model   string      `json:"model"`
			Content wireContent `json:"content"`
		}{
			Model:   "models/" + c.embeddingModel,
			Content: wireContent{Parts: []wirePart{{Text: text}}},
		})
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", c.baseURL, c.embeddingModel)
	var result wireEmbedResponse
	if err := c.post(ctx, url, body, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, eris.Errorf("gemini: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	out := &EmbedResponse{Model: c.embeddingModel}
	for _, e := range result.Embeddings {
		out.Embeddings = append(out.Embeddings, e.Values)
	}
	return out, nil
}

func (c *httpClient) post(ctx context.Context, url string, reqBody, respBody any) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return eris.Wrap(err, "gemini: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return eris.Wrap(err, "gemini: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrap(err, "gemini: send request")
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "gemini: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return eris.Wrap(json.Unmarshal(raw, respBody), "gemini: unmarshal response")
}
