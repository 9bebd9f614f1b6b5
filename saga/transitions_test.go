package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"

	cherrors "choreosaga/errors"
	"choreosaga/identity"
)

func newIdleEntry() *StateEntry {
	ctx := NewContext(identity.NewSagaID(), "order", identity.PeerIDFromStepName("init"), 1, "")
	return NewStateEntry(ctx, 100)
}

func TestAdvanceOnEventSagaStartedTriggersOnSagaStartDependency(t *testing.T) {
	entry := newIdleEntry()
	event := NewSagaStarted(entry.Context, identity.NewTraceID(), []byte("payload"))

	next, outcome := AdvanceOnEvent(entry, OnSagaStart(), event, 200)

	assert.Equal(t, ForwardTriggered, outcome)
	assert.Equal(t, StateTriggered, next.State)
	assert.Equal(t, []byte("payload"), next.PendingInput)
}

func TestAdvanceOnEventOnSagaStartIgnoresUnrelatedStepCompletedBeforeSagaStarted(t *testing.T) {
	entry := newIdleEntry()
	event := NewStepCompleted(entry.Context, identity.NewTraceID(), "unrelated", []byte("out"), nil)

	next, outcome := AdvanceOnEvent(entry, OnSagaStart(), event, 200)

	assert.Equal(t, ForwardWitnessOnly, outcome, "an OnSagaStart participant must not fire off an unrelated StepCompleted before SagaStarted arrives")
	assert.Equal(t, StateIdle, next.State)
}

func TestAdvanceOnEventStepCompletedWitnessOnlyWhenUnsatisfied(t *testing.T) {
	entry := newIdleEntry()
	event := NewStepCompleted(entry.Context, identity.NewTraceID(), "charge", []byte("out"), nil)

	next, outcome := AdvanceOnEvent(entry, AllOf("charge", "reserve"), event, 200)

	assert.Equal(t, ForwardWitnessOnly, outcome)
	assert.Equal(t, StateIdle, next.State)
	assert.True(t, next.Witnessed("charge"))
	assert.False(t, next.Witnessed("reserve"))
}

func TestAdvanceOnEventStepCompletedTriggersWhenAllOfSatisfied(t *testing.T) {
	entry := newIdleEntry()
	first := NewStepCompleted(entry.Context, identity.NewTraceID(), "charge", []byte("a"), nil)
	entry, _ = AdvanceOnEvent(entry, AllOf("charge", "reserve"), first, 200)

	second := NewStepCompleted(entry.Context, identity.NewTraceID(), "reserve", []byte("b"), nil)
	next, outcome := AdvanceOnEvent(entry, AllOf("charge", "reserve"), second, 201)

	assert.Equal(t, ForwardTriggered, outcome)
	assert.Equal(t, StateTriggered, next.State)
	assert.Equal(t, []byte("b"), next.PendingInput)
}

func TestAdvanceOnEventIgnoredOutsideIdle(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateExecuting

	event := NewStepCompleted(entry.Context, identity.NewTraceID(), "charge", []byte("a"), nil)
	next, outcome := AdvanceOnEvent(entry, After("charge"), event, 200)

	assert.Equal(t, ForwardIgnored, outcome)
	assert.Equal(t, StateExecuting, next.State)
}

func TestAdvanceOnEventLateDependencyDoesNotFireAfterCompensationObserved(t *testing.T) {
	entry := newIdleEntry()

	failedUpstream := NewSagaFailed(entry.Context, identity.NewTraceID(), "upstream step failed")
	entry, outcome := AdvanceOnEvent(entry, After("charge"), failedUpstream, 150)
	assert.Equal(t, ForwardIgnored, outcome)
	assert.True(t, entry.CompensationObserved)
	assert.Equal(t, StateIdle, entry.State)

	lateCompletion := NewStepCompleted(entry.Context, identity.NewTraceID(), "charge", []byte("a"), nil)
	next, outcome := AdvanceOnEvent(entry, After("charge"), lateCompletion, 200)

	assert.Equal(t, ForwardWitnessOnly, outcome)
	assert.Equal(t, StateIdle, next.State, "a dependency satisfied after compensation was observed must not fire forward")
}

func TestAdvanceOnExecuteResultSuccessCompletes(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateExecuting

	outcome := StepOutcome{Output: []byte("out"), CompensationData: []byte("undo")}
	next, forward := AdvanceOnExecuteResult(entry, outcome, nil, DefaultRetryPolicy(), 300)

	assert.Equal(t, ForwardCompleted, forward)
	assert.Equal(t, StateCompleted, next.State)
	assert.Equal(t, []byte("out"), next.Output)
	assert.Equal(t, []byte("undo"), next.CompensationData)
	assert.Equal(t, 1, next.Attempts)
}

func TestAdvanceOnExecuteResultRetryableSchedulesRetryUntilExhausted(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateExecuting
	policy := RetryPolicy{MaxAttempts: 2, InitialDelay: 1, MaxDelay: 1, BackoffMultiplier: 1}
	retryErr := cherrors.NewRetryableError("transient", nil)

	next, forward := AdvanceOnExecuteResult(entry, StepOutcome{}, retryErr, policy, 300)
	assert.Equal(t, ForwardRetryScheduled, forward)
	assert.Equal(t, StateTriggered, next.State)
	assert.Equal(t, 1, next.Attempts)

	next.State = StateExecuting
	next, forward = AdvanceOnExecuteResult(next, StepOutcome{}, retryErr, policy, 301)
	assert.Equal(t, ForwardFailed, forward)
	assert.Equal(t, StateFailed, next.State)
	assert.Equal(t, 2, next.Attempts)
}

func TestAdvanceOnExecuteResultRequireCompensationFailsImmediately(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateExecuting
	err := cherrors.NewRequireCompensationError("partial side effect", nil)

	next, forward := AdvanceOnExecuteResult(entry, StepOutcome{}, err, DefaultRetryPolicy(), 300)

	assert.Equal(t, ForwardFailed, forward)
	assert.Equal(t, StateFailed, next.State)
}

func TestAdvanceOnExecuteResultTerminalFailsImmediately(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateExecuting
	err := cherrors.NewTerminalError("bad input", nil)

	next, forward := AdvanceOnExecuteResult(entry, StepOutcome{}, err, DefaultRetryPolicy(), 300)

	assert.Equal(t, ForwardFailed, forward)
	assert.Equal(t, StateFailed, next.State)
}

func TestAdvanceOnCompensationRequestedOnlyFromCompleted(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateCompleted

	next, fired := AdvanceOnCompensationRequested(entry, 400)
	assert.True(t, fired)
	assert.Equal(t, StateCompensating, next.State)
	assert.True(t, next.CompensationObserved)

	entry.State = StateFailed
	_, fired = AdvanceOnCompensationRequested(entry, 400)
	assert.False(t, fired)
}

func TestAdvanceOnCompensateResultOk(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateCompensating

	next, outcome := AdvanceOnCompensateResult(entry, nil, 500)
	assert.Equal(t, CompensateDone, outcome)
	assert.Equal(t, StateCompensated, next.State)
}

func TestAdvanceOnCompensateResultAmbiguousQuarantines(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateCompensating
	err := cherrors.NewAmbiguousError("unknown undo result", nil)

	next, outcome := AdvanceOnCompensateResult(entry, err, 500)
	assert.Equal(t, CompensateQuarantinedAmbiguous, outcome)
	assert.Equal(t, StateQuarantined, next.State)
}

func TestAdvanceOnCompensateResultTerminalQuarantines(t *testing.T) {
	entry := newIdleEntry()
	entry.State = StateCompensating
	err := cherrors.NewTerminalError("undo definitely failed", nil)

	next, outcome := AdvanceOnCompensateResult(entry, err, 500)
	assert.Equal(t, CompensateQuarantinedTerminal, outcome)
	assert.Equal(t, StateQuarantined, next.State)
}
