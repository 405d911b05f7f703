package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func threeSteps(t *testing.T) *Workflow {
	t.Helper()
	w, err := New("w1", "s1", "Essay", []string{"A", "B", "C"}, now)
	require.NoError(t, err)
	return w
}

func TestNewValidates(t *testing.T) {
	_, err := New("w1", "s1", "x", nil, now)
	assert.True(t, shared.IsValidation(err))

	_, err = New("w1", "s1", "x", []string{"A", "A"}, now)
	assert.True(t, shared.IsValidation(err))

	_, err = New("", "s1", "x", []string{"A"}, now)
	assert.True(t, shared.IsValidation(err))
}

func TestCompleteStepInOrder(t *testing.T) {
	w := threeSteps(t)

	tr, err := w.CompleteStep("A", json.RawMessage(`{"draft":1}`), now)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.ExpectedIndex)
	assert.False(t, tr.Final)
	assert.Equal(t, 1, w.CurrentStepIndex)
	assert.Equal(t, "B", w.CurrentStep().ID)

	_, err = w.CompleteStep("B", nil, now)
	require.NoError(t, err)

	tr, err = w.CompleteStep("C", json.RawMessage(`{"final":true}`), now)
	require.NoError(t, err)
	assert.True(t, tr.Final)
	assert.Equal(t, StatusCompleted, w.Status)
	assert.Nil(t, w.CurrentStep())
	assert.JSONEq(t, `{"final":true}`, string(w.FinalStepData()))
}

func TestCompleteStepOutOfOrderLeavesStateUnchanged(t *testing.T) {
	w := threeSteps(t)
	_, err := w.CompleteStep("A", nil, now)
	require.NoError(t, err)
	before := w.Clone()

	_, err = w.CompleteStep("C", nil, now)
	assert.True(t, shared.IsInvalidTransition(err))
	assert.Equal(t, before, w)

	_, err = w.CompleteStep("A", nil, now)
	assert.True(t, shared.IsInvalidTransition(err))
}

func TestCompleteStepRejectsInvalidData(t *testing.T) {
	w := threeSteps(t)
	_, err := w.CompleteStep("A", json.RawMessage(`{not json`), now)
	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, 0, w.CurrentStepIndex)
}

func TestAbandon(t *testing.T) {
	w := threeSteps(t)
	require.NoError(t, w.Abandon(now))
	assert.Equal(t, StatusAbandoned, w.Status)

	assert.True(t, shared.IsInvalidTransition(w.Abandon(now)))
	_, err := w.CompleteStep("A", nil, now)
	assert.True(t, shared.IsInvalidTransition(err))
}

func TestAbandonCompletedFails(t *testing.T) {
	w, err := New("w2", "s1", "x", []string{"only"}, now)
	require.NoError(t, err)
	_, err = w.CompleteStep("only", nil, now)
	require.NoError(t, err)

	assert.True(t, shared.IsInvalidTransition(w.Abandon(now)))
	assert.Equal(t, StatusCompleted, w.Status)
}
