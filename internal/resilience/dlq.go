package resilience

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// DLQEntry is the envelope written for each dead-lettered record:
// {"data": {"error": ..., "original_record": ...}, "timestamp": ...}.
type DLQEntry struct {
	Data      DLQData   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQData holds the failure and the record that triggered it.
type DLQData struct {
	Error          string `json:"error"`
	ErrorType      string `json:"error_type"`
	OriginalRecord any    `json:"original_record"`
}

// DLQ appends failed records to per-service JSONL files under the staging
// directory (staging/<service>_dlq.jsonl). Records routed here have
// exhausted their retries or failed a non-retryable contract; the stage
// counts them as errors and continues.
type DLQ struct {
	stagingDir string

	mu sync.Mutex
}

// NewDLQ creates a dead-letter queue rooted at stagingDir.
func NewDLQ(stagingDir string) *DLQ {
	return &DLQ{stagingDir: stagingDir}
}

// Path returns the JSONL file for a service.
func (q *DLQ) Path(service string) string {
	return filepath.Join(q.stagingDir, service+"_dlq.jsonl")
}

// Route appends one failed record to the service's dead-letter file.
func (q *DLQ) Route(service string, record any, cause error) error {
	entry := DLQEntry{
		Data: DLQData{
			Error:          cause.Error(),
			ErrorType:      ClassifyError(cause),
			OriginalRecord: record,
		},
		Timestamp: time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(q.stagingDir, 0o755); err != nil {
		return eris.Wrap(err, "dlq: create staging directory")
	}
	f, err := os.OpenFile(q.Path(service), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrapf(err, "dlq: open %s", q.Path(service))
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return eris.Wrap(err, "dlq: encode entry")
	}
	return nil
}

// Entries reads back all dead-lettered records for a service. Missing files
// mean an empty queue.
func (q *DLQ) Entries(service string) ([]DLQEntry, error) {
	f, err := os.Open(q.Path(service))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dlq: open %s", q.Path(service))
	}
	defer f.Close()

	var entries []DLQEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e DLQEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, eris.Wrap(err, "dlq: decode entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(scanner.Err(), "dlq: scan")
}
