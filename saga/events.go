package saga

import "choreosaga/identity"

// EventKind tags the variant of a ChoreographyEvent or ParticipantEvent.
type EventKind string

// ChoreographyEvent variants, published on the saga:<type> topic and
// consumed by every subscribed participant.
const (
	KindSagaStarted             EventKind = "SagaStarted"
	KindStepCompleted           EventKind = "StepCompleted"
	KindStepFailed              EventKind = "StepFailed"
	KindCompensationRequested   EventKind = "CompensationRequested"
	KindCompensationCompleted   EventKind = "CompensationCompleted"
	KindCompensationFailed      EventKind = "CompensationFailed"
	KindSagaCompleted           EventKind = "SagaCompleted"
	KindSagaFailed              EventKind = "SagaFailed"
	KindQuarantined             EventKind = "Quarantined"
)

// ParticipantEvent variants, journal-local mirrors of state
// transitions, never published.
const (
	KindStepEntered           EventKind = "StepEntered"
	KindParticipantStepDone   EventKind = "ParticipantStepCompleted"
	KindParticipantStepFailed EventKind = "ParticipantStepFailed"
	KindCompensationEntered   EventKind = "CompensationEntered"
	KindCompensationSucceeded EventKind = "CompensationSucceeded"
	KindParticipantCompFailed EventKind = "ParticipantCompensationFailed"
	KindParticipantQuarantined EventKind = "ParticipantQuarantined"
)

// ChoreographyEvent is the closed set of events participants exchange
// over the pub/sub bus. It is represented as one tagged struct rather
// than an interface hierarchy: only the fields relevant to Kind are
// populated, mirroring the teacher's SagaStatus-plus-fields approach
// in patterns/saga/state.go. Every variant carries TraceID and Context.
type ChoreographyEvent struct {
	Kind    EventKind
	Context Context
	TraceID identity.TraceID

	// SagaStarted
	Payload []byte

	// StepCompleted / StepFailed / CompensationCompleted / CompensationFailed / Quarantined
	StepName string

	// StepCompleted
	Output            []byte
	CompensationData  []byte

	// StepFailed / CompensationRequested / CompensationFailed / SagaFailed / Quarantined
	Reason string

	// StepFailed
	RequiresCompensation bool

	// CompensationRequested
	OriginatingStep string

	// CompensationFailed
	Ambiguous bool
}

// NewSagaStarted builds a SagaStarted event.
func NewSagaStarted(ctx Context, trace identity.TraceID, payload []byte) ChoreographyEvent {
	return ChoreographyEvent{Kind: KindSagaStarted, Context: ctx, TraceID: trace, Payload: payload}
}

// NewStepCompleted builds a StepCompleted event.
func NewStepCompleted(ctx Context, trace identity.TraceID, stepName string, output, compensationData []byte) ChoreographyEvent {
	return ChoreographyEvent{
		Kind: KindStepCompleted, Context: ctx, TraceID: trace,
		StepName: stepName, Output: output, CompensationData: compensationData,
	}
}

// NewStepFailed builds a StepFailed event.
func NewStepFailed(ctx Context, trace identity.TraceID, stepName, reason string, requiresCompensation bool) ChoreographyEvent {
	return ChoreographyEvent{
		Kind: KindStepFailed, Context: ctx, TraceID: trace,
		StepName: stepName, Reason: reason, RequiresCompensation: requiresCompensation,
	}
}

// NewCompensationRequested builds a CompensationRequested event.
func NewCompensationRequested(ctx Context, trace identity.TraceID, originatingStep, reason string) ChoreographyEvent {
	return ChoreographyEvent{
		Kind: KindCompensationRequested, Context: ctx, TraceID: trace,
		OriginatingStep: originatingStep, Reason: reason,
	}
}

// NewCompensationCompleted builds a CompensationCompleted event.
func NewCompensationCompleted(ctx Context, trace identity.TraceID, stepName string) ChoreographyEvent {
	return ChoreographyEvent{Kind: KindCompensationCompleted, Context: ctx, TraceID: trace, StepName: stepName}
}

// NewCompensationFailed builds a CompensationFailed event.
func NewCompensationFailed(ctx Context, trace identity.TraceID, stepName, reason string, ambiguous bool) ChoreographyEvent {
	return ChoreographyEvent{
		Kind: KindCompensationFailed, Context: ctx, TraceID: trace,
		StepName: stepName, Reason: reason, Ambiguous: ambiguous,
	}
}

// NewSagaCompleted builds a SagaCompleted event.
func NewSagaCompleted(ctx Context, trace identity.TraceID) ChoreographyEvent {
	return ChoreographyEvent{Kind: KindSagaCompleted, Context: ctx, TraceID: trace}
}

// NewSagaFailed builds a SagaFailed event.
func NewSagaFailed(ctx Context, trace identity.TraceID, reason string) ChoreographyEvent {
	return ChoreographyEvent{Kind: KindSagaFailed, Context: ctx, TraceID: trace, Reason: reason}
}

// NewQuarantined builds a Quarantined event.
func NewQuarantined(ctx Context, trace identity.TraceID, stepName, reason string) ChoreographyEvent {
	return ChoreographyEvent{Kind: KindQuarantined, Context: ctx, TraceID: trace, StepName: stepName, Reason: reason}
}

// IsTerminalSagaEvent reports whether kind is one of the three
// saga-wide terminal choreography events: nothing further is expected
// for this saga once one of these has been observed.
func IsTerminalSagaEvent(kind EventKind) bool {
	switch kind {
	case KindSagaCompleted, KindSagaFailed, KindQuarantined:
		return true
	default:
		return false
	}
}

// ParticipantEvent is the journal-local mirror of a state transition.
// Replaying a participant's ParticipantEvents reconstructs its
// SagaStateEntry without touching the bus.
type ParticipantEvent struct {
	Kind     EventKind
	StepName string

	// StepEntered: the payload Execute was (or, on replay, will be)
	// called with, so a crash mid-Executing can re-invoke Execute with
	// its original input instead of nil.
	Input []byte

	// ParticipantStepCompleted
	Output           []byte
	CompensationData []byte

	// ParticipantStepFailed / ParticipantCompensationFailed / ParticipantQuarantined
	Reason string

	// ParticipantStepFailed
	RequiresCompensation bool

	// ParticipantCompensationFailed
	Ambiguous bool
}
