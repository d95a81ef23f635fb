package model

import "time"

// RawRecord is one extracted message as written to stage_1.
type RawRecord struct {
	ExtractionID string    `json:"extraction_id"`
	SessionID    string    `json:"session_id"`
	MessageIndex int       `json:"message_index"`
	MessageType  string    `json:"message_type"`
	Content      string    `json:"content"`
	Timestamp    string    `json:"timestamp,omitempty"`
	Model        string    `json:"model,omitempty"`
	ToolName     string    `json:"tool_name,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	SourceFile   string    `json:"source_file"`
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// CleanRecord is a normalized stage_2 row. ContentCleaned always holds the
// stripped, whitespace-collapsed, NFC-normalized content; TimestampUTC is
// zero when the source carried no parseable timestamp.
type CleanRecord struct {
	RawRecord
	ContentCleaned string    `json:"content_cleaned"`
	TimestampUTC   time.Time `json:"timestamp_utc"`
	IsDuplicate    bool      `json:"is_duplicate"`
	Fingerprint    string    `json:"fingerprint"`
}

// GatedRecord is a stage_3 row: a CleanRecord that passed THE GATE.
type GatedRecord struct {
	CleanRecord
}

// StagedRecord is a stage_4 row: deduplicated, optionally text-corrected,
// ready for entity creation. Metadata holds the correction audit fields as
// a JSON object string.
type StagedRecord struct {
	CleanRecord
	Metadata string `json:"metadata"`
}

// CorrectionMetadata is the JSON payload stored in StagedRecord.Metadata.
type CorrectionMetadata struct {
	Corrected         bool    `json:"corrected"`
	OriginalText      string  `json:"original_text,omitempty"`
	CorrectedText     string  `json:"corrected_text,omitempty"`
	CorrectionCostUSD float64 `json:"correction_cost_usd,omitempty"`
}

// StageSummary is the return value of every stage transformer. A non-zero
// Errors count does not imply failure; fatal conditions are returned as
// errors from Run.
type StageSummary struct {
	InputRows  int  `json:"input_rows"`
	OutputRows int  `json:"output_rows"`
	Errors     int  `json:"errors"`
	Skipped    int  `json:"skipped"`
	DryRun     bool `json:"dry_run"`
}

// RunCount pairs a run_id with the number of rows it owns in a table.
type RunCount struct {
	RunID    string    `json:"run_id"`
	Rows     int64     `json:"rows"`
	Earliest time.Time `json:"earliest"`
}

// StageRunStatus tracks the lifecycle of one stage execution.
type StageRunStatus string

const (
	StageRunRunning  StageRunStatus = "running"
	StageRunComplete StageRunStatus = "complete"
	StageRunFailed   StageRunStatus = "failed"
)

// StageRun is one tracked stage execution.
type StageRun struct {
	ID             string         `json:"id"`
	PipelineName   string         `json:"pipeline_name"`
	StageNum       int            `json:"stage_num"`
	StageName      string         `json:"stage_name"`
	RunID          string         `json:"run_id"`
	Status         StageRunStatus `json:"status"`
	ItemsProcessed int64          `json:"items_processed"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}
