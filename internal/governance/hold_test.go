package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_AllowedFlows(t *testing.T) {
	h := NewHoldIsolation(true)

	flows := []struct {
		source string
		op     Operation
		target Layer
	}{
		{ActorExternal, OpWrite, Hold1},
		{ActorExternal, OpAppend, Hold1},
		{ActorAgent, OpRead, Hold1},
		{ActorAgent, OpWrite, Hold2},
		{ActorAgent, OpAppend, Hold2},
		{ActorConsumer, OpRead, Hold2},
	}
	for _, f := range flows {
		allowed, reason := h.Check(f.op, f.source, f.target, "t", nil)
		assert.True(t, allowed, "%s %s %s", f.source, f.op, f.target)
		assert.Equal(t, "allowed", reason)
	}
	assert.Empty(t, h.Violations())
}

func TestCheck_ForbiddenFlows(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		op         Operation
		target     Layer
		wantReason string
	}{
		{"external write hold2", ActorExternal, OpWrite, Hold2, "must go through AGENT"},
		{"external modify hold2", ActorExternal, OpModify, Hold2, "must go through AGENT"},
		{"agent modify hold2", ActorAgent, OpModify, Hold2, "immutable"},
		{"agent delete hold2", ActorAgent, OpDelete, Hold2, "immutable"},
		{"consumer write hold2", ActorConsumer, OpWrite, Hold2, "read-only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHoldIsolation(true)
			allowed, reason := h.Check(tt.op, tt.source, tt.target, "t", map[string]any{"table": "t"})
			assert.False(t, allowed)
			assert.Contains(t, reason, tt.wantReason)

			violations := h.Violations()
			require.Len(t, violations, 1)
			assert.Equal(t, tt.op, violations[0].Operation)
			assert.Equal(t, tt.source, violations[0].Source)
			assert.Equal(t, tt.target, violations[0].Target)
			assert.Contains(t, violations[0].Reason, tt.wantReason)
			assert.False(t, violations[0].Timestamp.IsZero())
		})
	}
}

func TestCheck_UnknownFlowStrict(t *testing.T) {
	h := NewHoldIsolation(true)

	allowed, reason := h.Check(OpDelete, ActorExternal, Hold1, "t", nil)
	assert.False(t, allowed)
	assert.Contains(t, reason, "unknown flow")
	assert.Len(t, h.Violations(), 1)
}

func TestCheck_UnknownFlowNonStrict(t *testing.T) {
	h := NewHoldIsolation(false)

	allowed, _ := h.Check(OpDelete, ActorExternal, Hold1, "t", nil)
	assert.True(t, allowed)
	assert.Empty(t, h.Violations())
}

func TestViolations_Snapshot(t *testing.T) {
	h := NewHoldIsolation(true)
	h.Check(OpWrite, ActorConsumer, Hold2, "t", nil)

	snap := h.Violations()
	require.Len(t, snap, 1)

	h.Check(OpModify, ActorAgent, Hold2, "t", nil)
	assert.Len(t, snap, 1)
	assert.Len(t, h.Violations(), 2)
}
