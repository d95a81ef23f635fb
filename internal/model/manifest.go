package model

import "time"

// ManifestSource describes what stage 0 scanned.
type ManifestSource struct {
	Path string `json:"path"`
}

// ManifestCounts breaks message content down by block kind.
type ManifestCounts struct {
	ThinkingBlocks int `json:"thinking_blocks"`
	TextBlocks     int `json:"text_blocks"`
	ToolCalls      int `json:"tool_calls"`
	ToolResults    int `json:"tool_results"`
}

// ManifestDateRange spans the earliest and latest timestamps observed.
type ManifestDateRange struct {
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

// ManifestDiscovery holds the aggregate discovery statistics.
type ManifestDiscovery struct {
	FilesProcessed    int               `json:"files_processed"`
	MessagesProcessed int               `json:"messages_processed"`
	FilesWithErrors   int               `json:"files_with_errors"`
	MessageTypes      map[string]int    `json:"message_types"`
	ModelsUsed        []string          `json:"models_used"`
	ToolsUsed         map[string]int    `json:"tools_used"`
	TotalCostUSD      float64           `json:"total_cost_usd"`
	Counts            ManifestCounts    `json:"counts"`
	DateRange         ManifestDateRange `json:"date_range"`
	FilesPerFolder    map[string]int    `json:"files_per_folder"`
}

// Manifest is the stage 0 discovery report written to
// staging/discovery_manifest.json. GoNoGo starts with "GO", "CAUTION" or
// "NO-GO"; only a GO-prefixed value clears stage 1 to run.
type Manifest struct {
	AssessmentTimestamp time.Time         `json:"assessment_timestamp"`
	RunID               string            `json:"run_id"`
	Pipeline            string            `json:"pipeline"`
	Source              ManifestSource    `json:"source"`
	Discovery           ManifestDiscovery `json:"discovery"`
	Recommendations     []string          `json:"recommendations"`
	GoNoGo              string            `json:"go_no_go"`
}

// Go reports whether the assessment cleared the pipeline to proceed.
func (m *Manifest) Go() bool {
	return len(m.GoNoGo) >= 2 && m.GoNoGo[:2] == "GO"
}
