package saga

// DependencyKind tags which of the four trigger rules a participant
// declares.
type DependencyKind int

const (
	// DependsOnSagaStart fires on the saga's initiating SagaStarted event.
	DependsOnSagaStart DependencyKind = iota
	// DependsOnAfter fires the first time the single named step completes.
	DependsOnAfter
	// DependsOnAllOf fires once every named step has completed.
	DependsOnAllOf
	// DependsOnAnyOf fires on the first of several named steps to complete.
	DependsOnAnyOf
)

// DependencySpec declares when a participant becomes eligible to run.
// Build one with OnSagaStart, After, AllOf, or AnyOf; the zero value is
// not valid.
type DependencySpec struct {
	kind  DependencyKind
	steps []string
}

// OnSagaStart returns a spec that fires as soon as the saga starts.
func OnSagaStart() DependencySpec {
	return DependencySpec{kind: DependsOnSagaStart}
}

// After returns a spec that fires once step has completed.
func After(step string) DependencySpec {
	return DependencySpec{kind: DependsOnAfter, steps: []string{step}}
}

// AllOf returns a spec that fires once every step in steps has
// completed, regardless of order.
func AllOf(steps ...string) DependencySpec {
	return DependencySpec{kind: DependsOnAllOf, steps: append([]string(nil), steps...)}
}

// AnyOf returns a spec that fires the first time any one step in
// steps completes.
func AnyOf(steps ...string) DependencySpec {
	return DependencySpec{kind: DependsOnAnyOf, steps: append([]string(nil), steps...)}
}

// Kind reports which trigger rule this spec uses.
func (d DependencySpec) Kind() DependencyKind { return d.kind }

// Steps reports the step names this spec depends on. Empty for
// OnSagaStart, length one for After.
func (d DependencySpec) Steps() []string { return d.steps }

// SatisfiedBy reports whether the dependency is satisfied given the
// set of step names already witnessed as Completed for this saga and
// whether SagaStarted has been observed. It does not consult the
// triggering event directly: the dispatch engine updates the witness
// set and the sagaStarted flag before calling this, so AllOf/AnyOf see
// the cumulative picture rather than just the latest event, and
// OnSagaStart depends on sagaStarted rather than firing
// unconditionally on any event.
func (d DependencySpec) SatisfiedBy(witness map[string]struct{}, sagaStarted bool) bool {
	switch d.kind {
	case DependsOnSagaStart:
		return sagaStarted
	case DependsOnAfter:
		_, ok := witness[d.steps[0]]
		return ok
	case DependsOnAllOf:
		for _, s := range d.steps {
			if _, ok := witness[s]; !ok {
				return false
			}
		}
		return true
	case DependsOnAnyOf:
		for _, s := range d.steps {
			if _, ok := witness[s]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}
