package pipeline

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageError(t *testing.T) {
	cause := eris.New("table missing")
	err := NewStageError(KindInputMissing, "parse", testRunID, cause, "run stage 0 first")

	assert.Contains(t, err.Error(), "parse")
	assert.Contains(t, err.Error(), "input_missing")
	assert.Contains(t, err.Error(), testRunID)
	assert.Contains(t, err.Error(), "run stage 0 first")
	require.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	err := NewStageError(KindGovernanceViolation, "gate", testRunID, eris.New("denied"), "")
	assert.Equal(t, KindGovernanceViolation, KindOf(err))

	wrapped := eris.Wrap(err, "outer: context")
	assert.Equal(t, KindGovernanceViolation, KindOf(wrapped))

	assert.Empty(t, string(KindOf(eris.New("plain"))))
	assert.Empty(t, string(KindOf(nil)))
}
