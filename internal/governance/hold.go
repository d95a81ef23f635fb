// Package governance implements the membrane around every pipeline write:
// HOLD isolation, the append-only audit trail, and per-service cost budgets.
// The membrane is constructed explicitly and injected into stages; there are
// no package-level singletons.
package governance

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Layer is a chamber of the dataflow discipline.
type Layer string

const (
	Hold1 Layer = "hold1"
	Hold2 Layer = "hold2"
)

// Operation is an action against a HOLD layer.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpAppend Operation = "append"
	OpDelete Operation = "delete"
	OpModify Operation = "modify"
)

// Actors that may touch a HOLD layer.
const (
	ActorExternal = "external"
	ActorAgent    = "agent"
	ActorConsumer = "consumer"
)

type flowKey struct {
	source    string
	operation Operation
	target    Layer
}

// allowedFlows encodes the only legal dataflow:
// external -> HOLD1 -> agent -> HOLD2 -> consumer. An explicit false marks a
// known-forbidden flow; flows absent from the table are unknown.
var allowedFlows = map[flowKey]bool{
	{ActorExternal, OpWrite, Hold1}:  true,
	{ActorExternal, OpAppend, Hold1}: true,
	{ActorAgent, OpRead, Hold1}:      true,
	{ActorAgent, OpWrite, Hold2}:     true,
	{ActorAgent, OpAppend, Hold2}:    true,
	{ActorConsumer, OpRead, Hold2}:   true,

	{ActorExternal, OpWrite, Hold2}:  false,
	{ActorExternal, OpModify, Hold2}: false,
	{ActorAgent, OpModify, Hold2}:    false,
	{ActorAgent, OpDelete, Hold2}:    false,
	{ActorConsumer, OpWrite, Hold2}:  false,
}

// Violation records one denied flow.
type Violation struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	Source    string         `json:"source"`
	Target    Layer          `json:"target"`
	Path      string         `json:"path,omitempty"`
	Reason    string         `json:"reason"`
	Context   map[string]any `json:"context,omitempty"`
}

// HoldIsolation enforces the HOLD1/HOLD2 boundary. In strict mode unknown
// flows are denied; otherwise they are allowed with a warning.
type HoldIsolation struct {
	strict bool

	mu         sync.Mutex
	violations []Violation
}

// NewHoldIsolation creates an enforcer. Strict mode is the default posture
// for every pipeline run.
func NewHoldIsolation(strict bool) *HoldIsolation {
	return &HoldIsolation{strict: strict}
}

// Check reports whether the flow is allowed and, when denied, why. Denials
// are recorded as violations; they are returned, never suppressed.
func (h *HoldIsolation) Check(op Operation, source string, target Layer, path string, context map[string]any) (bool, string) {
	key := flowKey{source: source, operation: op, target: target}

	if allowed, known := allowedFlows[key]; known {
		if allowed {
			return true, "allowed"
		}
		reason := violationReason(source, op, target)
		h.recordViolation(op, source, target, path, reason, context)
		return false, reason
	}

	if h.strict {
		reason := "unknown flow not allowed in strict mode: " + source + " -> " + string(op) + " -> " + string(target)
		h.recordViolation(op, source, target, path, reason, context)
		return false, reason
	}

	zap.L().Warn("hold isolation: unknown flow allowed (non-strict)",
		zap.String("source", source),
		zap.String("operation", string(op)),
		zap.String("target", string(target)),
	)
	return true, "allowed (non-strict)"
}

// Violations returns a snapshot of recorded violations.
func (h *HoldIsolation) Violations() []Violation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Violation, len(h.violations))
	copy(out, h.violations)
	return out
}

func (h *HoldIsolation) recordViolation(op Operation, source string, target Layer, path, reason string, context map[string]any) {
	v := Violation{
		Timestamp: time.Now().UTC(),
		Operation: op,
		Source:    source,
		Target:    target,
		Path:      path,
		Reason:    reason,
		Context:   context,
	}
	h.mu.Lock()
	h.violations = append(h.violations, v)
	h.mu.Unlock()

	zap.L().Warn("hold isolation: flow denied",
		zap.String("source", source),
		zap.String("operation", string(op)),
		zap.String("target", string(target)),
		zap.String("reason", reason),
	)
}

func violationReason(source string, op Operation, target Layer) string {
	if target == Hold2 {
		switch {
		case source == ActorExternal:
			return "HOLD2 cannot receive direct external writes - must go through AGENT"
		case op == OpModify || op == OpDelete:
			return "HOLD2 is immutable once written"
		case source == ActorConsumer:
			return "consumers have read-only access to HOLD2"
		}
	}
	return "flow violates HOLD isolation: " + source + " -> " + string(op) + " -> " + string(target)
}
