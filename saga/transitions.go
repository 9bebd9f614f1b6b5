package saga

// ForwardOutcome describes what AdvanceOnEvent or AdvanceOnExecuteResult
// decided should happen next; dispatch.go turns this into journal
// writes, callback invocations, and publishes.
type ForwardOutcome int

const (
	// ForwardIgnored means the event does not apply in the entry's
	// current state; drop it silently.
	ForwardIgnored ForwardOutcome = iota
	// ForwardWitnessOnly means the witness set was updated but the
	// dependency is still unsatisfied; entry stays Idle.
	ForwardWitnessOnly
	// ForwardTriggered means the entry moved Idle -> Triggered and the
	// engine should now run Execute.
	ForwardTriggered
	// ForwardRetryScheduled means Execute returned RetryableError and
	// attempts remain; entry is back in Triggered and the engine
	// should schedule another Execute after the policy's delay.
	ForwardRetryScheduled
	// ForwardCompleted means Execute succeeded; entry moved to
	// Completed and a StepCompleted choreography event should publish.
	ForwardCompleted
	// ForwardFailed means Execute returned a terminal-class error
	// (Terminal or RequireCompensation, or attempts exhausted); entry
	// moved to Failed and a StepFailed choreography event should
	// publish.
	ForwardFailed
)

// AdvanceOnEvent applies one inbound ChoreographyEvent to entry while
// it is in the Idle state. Apart from AdvanceOnCompensationRequested it
// is the only transition driven directly by an external event rather
// than by a callback result: StepFailed,
// CompensationRequested, SagaFailed, and Quarantined are recorded on
// entry.CompensationObserved so a dependency that becomes satisfied
// afterward does not fire forward, but otherwise produce no forward
// transition here. Callers outside the Idle state get ForwardIgnored.
func AdvanceOnEvent(entry *StateEntry, dep DependencySpec, event ChoreographyEvent, nowMillis int64) (*StateEntry, ForwardOutcome) {
	next := entry.clone()

	switch event.Kind {
	case KindCompensationRequested, KindSagaFailed, KindQuarantined:
		next.CompensationObserved = true
		next.LastTransitionMillis = nowMillis
		return next, ForwardIgnored
	}

	if next.State != StateIdle {
		return entry, ForwardIgnored
	}

	var input []byte
	switch event.Kind {
	case KindSagaStarted:
		next.SagaStarted = true
		input = event.Payload
	case KindStepCompleted:
		next.DependencyWitness = entry.observeCompletion(event.StepName)
		input = event.Output
	default:
		return entry, ForwardIgnored
	}

	if next.CompensationObserved {
		return next, ForwardWitnessOnly
	}
	if !dep.SatisfiedBy(next.DependencyWitness, next.SagaStarted) {
		return next, ForwardWitnessOnly
	}

	next.State = StateTriggered
	next.LastTransitionMillis = nowMillis
	next.PendingInput = input
	return next, ForwardTriggered
}

// AdvanceOnExecuteResult applies the result of a participant's Execute
// call to entry while it is in the Executing state.
func AdvanceOnExecuteResult(entry *StateEntry, outcome StepOutcome, execErr error, policy RetryPolicy, nowMillis int64) (*StateEntry, ForwardOutcome) {
	next := entry.clone()
	next.Attempts++
	next.LastTransitionMillis = nowMillis

	if execErr == nil {
		next.State = StateCompleted
		next.Output = outcome.Output
		next.CompensationData = outcome.CompensationData
		return next, ForwardCompleted
	}

	switch classifyStepError(execErr) {
	case stepRetryable:
		if !policy.ExhaustedAt(next.Attempts) {
			next.State = StateTriggered
			next.FailureReason = execErr.Error()
			return next, ForwardRetryScheduled
		}
		next.State = StateFailed
		next.FailureReason = execErr.Error()
		return next, ForwardFailed
	case stepRequireCompensation:
		next.State = StateFailed
		next.FailureReason = execErr.Error()
		return next, ForwardFailed
	default: // stepTerminal
		next.State = StateFailed
		next.FailureReason = execErr.Error()
		return next, ForwardFailed
	}
}

// CompensateOutcome describes what AdvanceOnCompensateResult decided;
// dispatch.go turns this into journal writes and publishes.
type CompensateOutcome int

const (
	// CompensateTriggered means entry moved Completed -> Compensating
	// and the engine should now run Compensate.
	CompensateTriggered CompensateOutcome = iota
	// CompensateDone means Compensate succeeded; entry moved to
	// Compensated.
	CompensateDone
	// CompensateQuarantinedAmbiguous means Compensate returned
	// Ambiguous; entry moved to Quarantined.
	CompensateQuarantinedAmbiguous
	// CompensateQuarantinedTerminal means Compensate returned a
	// terminal error; entry moved to Quarantined.
	CompensateQuarantinedTerminal
)

// AdvanceOnCompensationRequested applies a CompensationRequested event
// to entry while it is in the Completed state.
func AdvanceOnCompensationRequested(entry *StateEntry, nowMillis int64) (*StateEntry, bool) {
	if entry.State != StateCompleted {
		return entry, false
	}
	next := entry.clone()
	next.State = StateCompensating
	next.CompensationObserved = true
	next.LastTransitionMillis = nowMillis
	return next, true
}

// AdvanceOnCompensateResult applies the result of a participant's
// Compensate call to entry while it is in the Compensating state.
func AdvanceOnCompensateResult(entry *StateEntry, compErr error, nowMillis int64) (*StateEntry, CompensateOutcome) {
	next := entry.clone()
	next.LastTransitionMillis = nowMillis

	switch classifyCompensateError(compErr) {
	case compensateOk:
		next.State = StateCompensated
		return next, CompensateDone
	case compensateAmbiguous:
		next.State = StateQuarantined
		next.FailureReason = compErr.Error()
		return next, CompensateQuarantinedAmbiguous
	default: // compensateTerminal
		next.State = StateQuarantined
		next.FailureReason = compErr.Error()
		return next, CompensateQuarantinedTerminal
	}
}
