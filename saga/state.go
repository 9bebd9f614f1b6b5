package saga

// State is one of the eight typestates a participant's involvement in
// a single saga can occupy.
type State string

const (
	StateIdle         State = "Idle"
	StateTriggered    State = "Triggered"
	StateExecuting    State = "Executing"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateCompensating State = "Compensating"
	StateCompensated  State = "Compensated"
	StateQuarantined  State = "Quarantined"
)

// IsTerminal reports whether no further transition is defined from
// this state: Failed, Compensated, and Quarantined.
func (s State) IsTerminal() bool {
	switch s {
	case StateFailed, StateCompensated, StateQuarantined:
		return true
	default:
		return false
	}
}

// StateEntry is one participant's record of its involvement in one
// saga: current typestate plus everything needed to resume or replay
// it. Constructed only through NewStateEntry and the transition
// function in transitions.go, never assembled field-by-field outside
// this package, so the invariants below hold by construction rather
// than by convention.
//
// Invariants held by every value ever returned to a caller:
//   - Attempts never decreases across successive entries for the same
//     (participant, saga_id).
//   - CompensationData is non-nil if and only if the participant ever
//     reached Completed.
//   - Quarantined is reached from Compensating when Compensate fails,
//     or from Completed or Compensated when the critical journal write
//     for that transition fails and forceQuarantine takes over. Failed
//     never moves on to Quarantined.
type StateEntry struct {
	Context              Context
	State                State
	Attempts             int
	LastTransitionMillis int64
	Output               []byte
	CompensationData     []byte
	FailureReason        string
	DependencyWitness    map[string]struct{}

	// SagaStarted is set once this participant has observed the saga's
	// SagaStarted event, which is what an OnSagaStart DependencySpec
	// actually waits on (as opposed to firing off any incidental event
	// while the witness set happens to already satisfy it).
	SagaStarted bool

	// CompensationObserved is set once this saga has been seen to
	// request or reach compensation/failure, even if this
	// participant's own dependency was not yet satisfied at the time.
	// It prevents a late-satisfied dependency from firing forward.
	CompensationObserved bool

	// PendingInput is the payload Execute should be called with: the
	// SagaStarted payload for an OnSagaStart dependency, or the
	// completed dependency step's Output otherwise. Set when the
	// entry transitions into Triggered.
	PendingInput []byte
}

// NewStateEntry creates the Idle entry a participant starts in the
// first time it observes any event for a saga.
func NewStateEntry(ctx Context, nowMillis int64) *StateEntry {
	return &StateEntry{
		Context:              ctx,
		State:                StateIdle,
		Attempts:             0,
		LastTransitionMillis: nowMillis,
		DependencyWitness:    make(map[string]struct{}),
	}
}

// Witnessed reports whether stepName has already been recorded as a
// completed dependency for this saga.
func (e *StateEntry) Witnessed(stepName string) bool {
	_, ok := e.DependencyWitness[stepName]
	return ok
}

// WitnessedSet returns the set of step names currently recorded as
// completed dependencies, for dependency-satisfaction checks.
func (e *StateEntry) WitnessedSet() map[string]struct{} {
	return e.DependencyWitness
}

// observeCompletion records that stepName finished forward execution,
// returning a shallow copy of the witness set with stepName added so
// callers in transitions.go can build the next immutable StateEntry.
func (e *StateEntry) observeCompletion(stepName string) map[string]struct{} {
	next := make(map[string]struct{}, len(e.DependencyWitness)+1)
	for k := range e.DependencyWitness {
		next[k] = struct{}{}
	}
	next[stepName] = struct{}{}
	return next
}

// clone returns a copy of e so the transition function can produce a
// new StateEntry without mutating the one callers may still be
// holding a reference to (e.g. for logging the prior state).
func (e *StateEntry) clone() *StateEntry {
	c := *e
	c.DependencyWitness = make(map[string]struct{}, len(e.DependencyWitness))
	for k := range e.DependencyWitness {
		c.DependencyWitness[k] = struct{}{}
	}
	return &c
}
