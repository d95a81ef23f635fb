package pipeline

import (
	"errors"
	"fmt"
)

// Kind is the wire name of an error class. Kinds appear in logs, audit
// records and DLQ entries; they are stable identifiers, not display text.
type Kind string

const (
	KindInputMissing        Kind = "input_missing"
	KindSchemaMismatch      Kind = "schema_mismatch"
	KindValidationFailed    Kind = "validation_failed"
	KindExternalTransient   Kind = "external_transient"
	KindExternalPermanent   Kind = "external_permanent"
	KindGovernanceViolation Kind = "governance_violation"
	KindIntegrityViolation  Kind = "integrity_violation"
	KindParseError          Kind = "parse_error"
)

// StageError is a fatal, stage-level failure. Per-record failures are
// counted and dead-lettered instead; only conditions that invalidate the
// whole stage invocation surface as a StageError.
type StageError struct {
	Kind  Kind
	Stage string
	RunID string
	Hint  string
	Err   error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s [%s] run %s: %v", e.Stage, e.Kind, e.RunID, e.Err)
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError builds a fatal stage failure with a remediation hint.
func NewStageError(kind Kind, stage, runID string, err error, hint string) *StageError {
	return &StageError{Kind: kind, Stage: stage, RunID: runID, Hint: hint, Err: err}
}

// KindOf extracts the error kind from a chain, or "" when the error is not
// a StageError.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
