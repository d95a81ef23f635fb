package governance

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/model"
)

const defaultFlushThreshold = 64

// AuditTrail buffers audit records and appends them to a JSONL file.
// Records are append-only; nothing here ever rewrites or deletes a line.
type AuditTrail struct {
	path           string
	runID          string
	flushThreshold int

	mu     sync.Mutex
	buffer []model.AuditRecord
}

// NewAuditTrail creates a trail appending to path for the given run.
func NewAuditTrail(path, runID string) *AuditTrail {
	return &AuditTrail{
		path:           path,
		runID:          runID,
		flushThreshold: defaultFlushThreshold,
	}
}

// NewAuditID returns a fresh prefixed audit identifier.
func NewAuditID() string {
	return "audit_" + ulid.Make().String()
}

// Record buffers one audit entry, assigning identity and timestamp when
// absent. The buffer auto-flushes once it reaches the flush threshold.
func (t *AuditTrail) Record(rec model.AuditRecord) {
	if rec.AuditID == "" {
		rec.AuditID = NewAuditID()
	}
	if rec.RunID == "" {
		rec.RunID = t.runID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Level == "" {
		rec.Level = model.AuditInfo
	}
	if rec.Category == "" {
		rec.Category = model.CategorySystem
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, rec)
	needFlush := len(t.buffer) >= t.flushThreshold
	t.mu.Unlock()

	if needFlush {
		if err := t.Flush(); err != nil {
			zap.L().Error("audit trail: flush failed", zap.Error(err))
		}
	}
}

// Flush appends all buffered records to the JSONL file.
func (t *AuditTrail) Flush() error {
	t.mu.Lock()
	pending := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return eris.Wrap(err, "audit trail: create directory")
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrap(err, "audit trail: open file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range pending {
		if err := enc.Encode(rec); err != nil {
			return eris.Wrap(err, "audit trail: encode record")
		}
	}
	return eris.Wrap(w.Flush(), "audit trail: write")
}

// Close flushes any buffered records.
func (t *AuditTrail) Close() error {
	return t.Flush()
}

// QueryFilter selects audit records. Zero values match everything.
type QueryFilter struct {
	Category  model.AuditCategory
	Component string
	Level     model.AuditLevel
	RunID     string
	Since     time.Time
	Until     time.Time
}

func (f QueryFilter) matches(rec model.AuditRecord) bool {
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Component != "" && rec.Component != f.Component {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns persisted and buffered records matching the filter, in
// write order.
func (t *AuditTrail) Query(filter QueryFilter) ([]model.AuditRecord, error) {
	var out []model.AuditRecord

	f, err := os.Open(t.path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec model.AuditRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			if filter.matches(rec) {
				out = append(out, rec)
			}
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return nil, eris.Wrap(scanErr, "audit trail: scan file")
		}
	} else if !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "audit trail: open for query")
	}

	t.mu.Lock()
	for _, rec := range t.buffer {
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	t.mu.Unlock()

	return out, nil
}

// Violations returns all violation-level records.
func (t *AuditTrail) Violations() ([]model.AuditRecord, error) {
	return t.Query(QueryFilter{Level: model.AuditViolation})
}
