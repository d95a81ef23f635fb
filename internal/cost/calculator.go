// Package cost computes USD cost for LLM, embedding and classifier usage.
package cost

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// EmbeddingRate holds embedding pricing (USD per million input tokens).
type EmbeddingRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// ClassifierRate holds flat per-request classifier pricing.
type ClassifierRate struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// Rates holds per-provider pricing configuration.
type Rates struct {
	Gemini     map[string]ModelRate `yaml:"gemini" mapstructure:"gemini"`
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding  EmbeddingRate        `yaml:"embedding" mapstructure:"embedding"`
	Classifier ClassifierRate       `yaml:"classifier" mapstructure:"classifier"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Text computes the cost of a text-generation call for a model from either
// provider table. Unknown models cost zero.
func (c *Calculator) Text(model string, tokensIn, tokensOut int) float64 {
	rate, ok := c.rates.Gemini[model]
	if !ok {
		rate, ok = c.rates.Anthropic[model]
	}
	if !ok {
		return 0
	}
	return (float64(tokensIn)/1e6)*rate.Input + (float64(tokensOut)/1e6)*rate.Output
}

// Embedding computes the cost of embedding the given number of tokens.
func (c *Calculator) Embedding(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Embedding.PerMTok
}

// ClassifierRequest returns the flat cost of one classifier request.
func (c *Calculator) ClassifierRequest() float64 {
	return c.rates.Classifier.PerRequest
}

// EstimateTokens approximates token count from text length. Four characters
// per token is the conventional planning figure for English prose and code.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Gemini: map[string]ModelRate{
			"gemini-2.0-flash": {
				Input:  0.10,
				Output: 0.40,
			},
			"gemini-2.5-flash": {
				Input:  0.30,
				Output: 2.50,
			},
			"gemini-2.5-pro": {
				Input:  1.25,
				Output: 10.00,
			},
		},
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input:  1.00,
				Output: 5.00,
			},
			"claude-sonnet-4-5-20250929": {
				Input:  3.00,
				Output: 15.00,
			},
		},
		Embedding: EmbeddingRate{
			PerMTok: 0.15,
		},
		Classifier: ClassifierRate{
			PerRequest: 0.0001,
		},
	}
}
