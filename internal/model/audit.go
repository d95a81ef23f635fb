package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// AuditLevel is the severity of an audit record.
type AuditLevel string

const (
	AuditDebug     AuditLevel = "debug"
	AuditInfo      AuditLevel = "info"
	AuditWarning   AuditLevel = "warning"
	AuditError     AuditLevel = "error"
	AuditCritical  AuditLevel = "critical"
	AuditViolation AuditLevel = "violation"
)

// AuditCategory classifies the event being audited.
type AuditCategory string

const (
	CategoryHoldOperation AuditCategory = "hold_operation"
	CategoryAgentAction   AuditCategory = "agent_action"
	CategoryGovernance    AuditCategory = "governance"
	CategoryCost          AuditCategory = "cost"
	CategoryFederation    AuditCategory = "federation"
	CategorySystem        AuditCategory = "system"
)

// AuditRecord is one append-only audit trail entry. Records are never
// mutated or deleted once written.
type AuditRecord struct {
	AuditID      string         `json:"audit_id"`
	RunID        string         `json:"run_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        AuditLevel     `json:"level"`
	Category     AuditCategory  `json:"category"`
	Operation    string         `json:"operation"`
	Component    string         `json:"component"`
	Target       string         `json:"target,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// ToMap converts the record to a JSON-shaped map, the form persisted to the
// audit trail JSONL file.
func (r AuditRecord) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "audit: marshal record")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrap(err, "audit: unmarshal record map")
	}
	return m, nil
}

// AuditRecordFromMap rebuilds a record from its JSON-shaped map form.
// ToMap followed by AuditRecordFromMap is lossless.
func AuditRecordFromMap(m map[string]any) (AuditRecord, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return AuditRecord{}, eris.Wrap(err, "audit: marshal map")
	}
	var r AuditRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return AuditRecord{}, eris.Wrap(err, "audit: unmarshal record")
	}
	return r, nil
}

// CostRecord is one append-only cost ledger entry.
type CostRecord struct {
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
}
