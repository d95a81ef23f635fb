package governance

import (
	"time"

	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/model"
)

// Membrane is the unified governance entry point every stage goes through.
// One instance is built per process and injected wherever a gate is needed;
// Close flushes the audit buffer on shutdown.
type Membrane struct {
	runID string
	hold  *HoldIsolation
	trail *AuditTrail
	costs *CostEnforcer
}

// NewMembrane wires the three governance sub-components together.
func NewMembrane(runID string, hold *HoldIsolation, trail *AuditTrail, costs *CostEnforcer) *Membrane {
	return &Membrane{
		runID: runID,
		hold:  hold,
		trail: trail,
		costs: costs,
	}
}

// GateOperation checks a HOLD flow and records the outcome in the audit
// trail. Denials become violation-level records.
func (m *Membrane) GateOperation(op Operation, source string, target Layer, path string, context map[string]any) bool {
	allowed, reason := m.hold.Check(op, source, target, path, context)

	rec := model.AuditRecord{
		RunID:     m.runID,
		Category:  model.CategoryHoldOperation,
		Operation: string(op),
		Component: source,
		Target:    string(target),
		Success:   allowed,
		Context:   context,
	}
	if !allowed {
		rec.Level = model.AuditViolation
		rec.ErrorMessage = reason
	}
	m.trail.Record(rec)
	return allowed
}

// CheckCost gates an external call against the service budget. Denied calls
// are recorded as violations before the error is returned.
func (m *Membrane) CheckCost(service, operation string, estimatedCostUSD float64) error {
	err := m.costs.Check(service, operation, estimatedCostUSD)
	if err != nil {
		m.trail.Record(model.AuditRecord{
			RunID:        m.runID,
			Level:        model.AuditViolation,
			Category:     model.CategoryCost,
			Operation:    operation,
			Component:    service,
			Success:      false,
			ErrorMessage: err.Error(),
		})
	}
	return err
}

// RecordCost records actual spend in the cost ledger and the audit trail.
func (m *Membrane) RecordCost(service, operation string, costUSD float64, tokensIn, tokensOut int, context map[string]any) {
	m.costs.Record(model.CostRecord{
		Service:   service,
		Operation: operation,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   costUSD,
		RunID:     m.runID,
		Timestamp: time.Now().UTC(),
	})
	m.trail.Record(model.AuditRecord{
		RunID:     m.runID,
		Category:  model.CategoryCost,
		Operation: operation,
		Component: service,
		Success:   true,
		Context: mergeContext(context, map[string]any{
			"cost_usd":   costUSD,
			"tokens_in":  tokensIn,
			"tokens_out": tokensOut,
		}),
	})
}

// RecordAgentAction records one AGENT transformation in the audit trail.
func (m *Membrane) RecordAgentAction(action, component string, inputRecords, outputRecords int, success bool, errorMessage string) {
	level := model.AuditInfo
	if !success {
		level = model.AuditError
	}
	m.trail.Record(model.AuditRecord{
		RunID:        m.runID,
		Level:        level,
		Category:     model.CategoryAgentAction,
		Operation:    action,
		Component:    component,
		Success:      success,
		ErrorMessage: errorMessage,
		Context: map[string]any{
			"input_records":  inputRecords,
			"output_records": outputRecords,
		},
	})
}

// Trail exposes the audit trail for queries.
func (m *Membrane) Trail() *AuditTrail { return m.trail }

// Costs exposes the cost enforcer for reporting.
func (m *Membrane) Costs() *CostEnforcer { return m.costs }

// Hold exposes the isolation enforcer.
func (m *Membrane) Hold() *HoldIsolation { return m.hold }

// RunID returns the run this membrane is scoped to.
func (m *Membrane) RunID() string { return m.runID }

// Close flushes buffered governance records.
func (m *Membrane) Close() error {
	if err := m.trail.Close(); err != nil {
		zap.L().Error("governance: audit flush on close failed", zap.Error(err))
		return err
	}
	return nil
}

func mergeContext(base, extra map[string]any) map[string]any {
	if base == nil {
		return extra
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
