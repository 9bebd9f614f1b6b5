package saga

import "context"

// Participant is the contract a host implements to take part in one
// or more sagas. The dispatch engine calls into it only through the
// execution wrappers in dispatch.go, which bracket every call with
// journal writes, panic recovery, and stats.
type Participant interface {
	// StepName identifies this participant; also the PeerID seed.
	StepName() string

	// SagaTypes lists the saga_type values this participant handles.
	// It subscribes to saga:<T> for every T returned here.
	SagaTypes() []string

	// DependsOn declares when this participant becomes eligible to run.
	DependsOn() DependencySpec

	// RetryPolicy governs forward-step retry. Participants that don't
	// care can return DefaultRetryPolicy().
	RetryPolicy() RetryPolicy

	// Execute performs the forward step. input is the opaque payload
	// carried by the triggering event (the SagaStarted payload, or the
	// Output of the completed dependency step). A non-nil err must be
	// constructed with one of errors.NewRetryableError,
	// errors.NewTerminalError, or errors.NewRequireCompensationError;
	// anything else is treated as Terminal.
	Execute(ctx context.Context, sagaCtx Context, input []byte) (StepOutcome, error)

	// Compensate undoes a previously-completed Execute, given the
	// CompensationData that call produced. A non-nil err should be
	// constructed with errors.NewAmbiguousError when the undo's actual
	// effect is unknown, or errors.NewTerminalError when it is known to
	// have failed outright; nil means the undo succeeded.
	Compensate(ctx context.Context, sagaCtx Context, compensationData []byte) error
}

// LifecycleObserver is an optional extension a Participant may also
// implement to be notified of saga-wide terminal outcomes. None of
// these are required for correct dispatch.
type LifecycleObserver interface {
	OnSagaCompleted(sagaCtx Context)
	OnSagaFailed(sagaCtx Context, reason string)
	OnQuarantined(sagaCtx Context, reason string)
}
