package saga

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cherrors "choreosaga/errors"
	"choreosaga/identity"
)

// recordingBus captures every published ChoreographyEvent, for
// assertions on what the engine decided to publish.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
	events []ChoreographyEvent
}

func (b *recordingBus) Publish(ctx context.Context, topic string, event ChoreographyEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) ofKind(kind EventKind) []ChoreographyEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ChoreographyEvent
	for _, e := range b.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// loopingBus stands in for a self-delivering bus: bus/memory's dispatch
// fans a publish out to every subscriber of the topic, including the
// publisher's own Engine, since a participant subscribes to its own
// saga:<T> topic per spec §6. Redelivering synchronously inside
// Publish would deadlock against the engine's own mutex (publish is
// always called with it held), exactly as it would against any
// single-threaded mailbox, so this fake only queues; tests drain it
// once the call that produced the event has returned.
type loopingBus struct {
	mu     sync.Mutex
	queued []ChoreographyEvent
}

func (b *loopingBus) Publish(ctx context.Context, topic string, event ChoreographyEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, event)
	return nil
}

func (b *loopingBus) drain(e *Engine) {
	b.mu.Lock()
	pending := append([]ChoreographyEvent(nil), b.queued...)
	b.queued = nil
	b.mu.Unlock()
	for _, ev := range pending {
		_ = e.HandleSagaEvent(context.Background(), ev)
	}
}

// memJournal and memDedupe are minimal in-process stand-ins for the
// journal/memory and dedupe/memory packages, kept local to this test
// file so the saga package's tests don't import its own consumers.
type memJournal struct {
	mu   sync.Mutex
	logs map[identity.SagaID][]JournalRecord
}

func newMemJournal() *memJournal {
	return &memJournal{logs: make(map[identity.SagaID][]JournalRecord)}
}

func (j *memJournal) Append(ctx context.Context, sagaID identity.SagaID, nowMillis int64, sagaCtx Context, event ParticipantEvent) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := uint64(len(j.logs[sagaID]))
	j.logs[sagaID] = append(j.logs[sagaID], JournalRecord{
		SagaID: sagaID, SequenceNumber: seq, TimestampMillis: nowMillis, Context: sagaCtx, Event: event,
	})
	return seq, nil
}

func (j *memJournal) Read(ctx context.Context, sagaID identity.SagaID) ([]JournalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalRecord, len(j.logs[sagaID]))
	copy(out, j.logs[sagaID])
	return out, nil
}

func (j *memJournal) ListSagas(ctx context.Context) ([]identity.SagaID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []identity.SagaID
	for id := range j.logs {
		out = append(out, id)
	}
	return out, nil
}

func (j *memJournal) Prune(ctx context.Context, sagaID identity.SagaID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.logs, sagaID)
	return nil
}

func (j *memJournal) kinds(sagaID identity.SagaID) []EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []EventKind
	for _, r := range j.logs[sagaID] {
		out = append(out, r.Event.Kind)
	}
	return out
}

type memDedupe struct {
	mu   sync.Mutex
	keys map[identity.SagaID]map[string]struct{}
}

func newMemDedupe() *memDedupe {
	return &memDedupe{keys: make(map[identity.SagaID]map[string]struct{})}
}

func (d *memDedupe) CheckAndMark(ctx context.Context, sagaID identity.SagaID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.keys[sagaID]
	if !ok {
		set = make(map[string]struct{})
		d.keys[sagaID] = set
	}
	if _, exists := set[key]; exists {
		return false, nil
	}
	set[key] = struct{}{}
	return true, nil
}

func (d *memDedupe) Prune(ctx context.Context, sagaID identity.SagaID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, sagaID)
	return nil
}

func (d *memDedupe) hasAnyKeys(sagaID identity.SagaID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys[sagaID]) > 0
}

// scriptedParticipant is a Participant whose Execute/Compensate
// results are driven by a queue the test pre-loads, per spec §8's
// end-to-end scenarios (P, step_name="B", depends_on=After("A")).
type scriptedParticipant struct {
	name    string
	dep     DependencySpec
	policy  RetryPolicy
	execute []func() (StepOutcome, error)
	compErr []error

	mu            sync.Mutex
	executeCalls  int
	executeInputs [][]byte
	compensateCalls int

	completedHook   []Context
	failedHook      []string
	quarantinedHook []string
}

func (p *scriptedParticipant) StepName() string          { return p.name }
func (p *scriptedParticipant) SagaTypes() []string       { return []string{"order"} }
func (p *scriptedParticipant) DependsOn() DependencySpec { return p.dep }
func (p *scriptedParticipant) RetryPolicy() RetryPolicy  { return p.policy }

func (p *scriptedParticipant) Execute(ctx context.Context, sagaCtx Context, input []byte) (StepOutcome, error) {
	p.mu.Lock()
	i := p.executeCalls
	p.executeCalls++
	p.executeInputs = append(p.executeInputs, input)
	p.mu.Unlock()
	if i >= len(p.execute) {
		i = len(p.execute) - 1
	}
	return p.execute[i]()
}

func (p *scriptedParticipant) Compensate(ctx context.Context, sagaCtx Context, compensationData []byte) error {
	p.mu.Lock()
	i := p.compensateCalls
	p.compensateCalls++
	p.mu.Unlock()
	if i >= len(p.compErr) {
		i = len(p.compErr) - 1
	}
	return p.compErr[i]
}

func (p *scriptedParticipant) OnSagaCompleted(sagaCtx Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completedHook = append(p.completedHook, sagaCtx)
}

func (p *scriptedParticipant) OnSagaFailed(sagaCtx Context, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedHook = append(p.failedHook, reason)
}

func (p *scriptedParticipant) OnQuarantined(sagaCtx Context, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quarantinedHook = append(p.quarantinedHook, reason)
}

func (p *scriptedParticipant) calls() (execute, compensate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executeCalls, p.compensateCalls
}

func newTestContext(sagaID identity.SagaID) Context {
	return NewContext(sagaID, "order", identity.PeerIDFromStepName("A"), 1000, "fingerprint")
}

// S1: happy path. SagaStarted then StepCompleted(A) drives P (step B,
// After(A)) through Idle -> Triggered -> Executing -> Completed,
// publishing exactly one StepCompleted(B) and journaling
// {StepEntered, StepCompleted}.
func TestEngineS1HappyPath(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), []byte("payload"))))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), []byte("compA"))))

	execCalls, _ := p.calls()
	assert.Equal(t, 1, execCalls)

	completed := bus.ofKind(KindStepCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "B", completed[0].StepName)
	assert.Equal(t, []byte("outB"), completed[0].Output)

	assert.Equal(t, []EventKind{KindStepEntered, KindParticipantStepDone}, journal.kinds(sagaID))

	stats := e.GetSagaStats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Completed)
}

// S2: retry then success. Execute returns Retryable once, then
// Completed; final attempts=2, exactly one StepCompleted published.
func TestEngineS2RetryThenSuccess(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: RetryPolicy{MaxAttempts: 2, InitialDelay: 0, MaxDelay: 0, BackoffMultiplier: 1},
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{}, cherrors.NewRetryableError("transient", nil) },
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))

	execCalls, _ := p.calls()
	assert.Equal(t, 2, execCalls)

	completed := bus.ofKind(KindStepCompleted)
	require.Len(t, completed, 1)

	e.mu.Lock()
	entry := e.states[sagaID]
	e.mu.Unlock()
	assert.Equal(t, StateCompleted, entry.State)
	assert.Equal(t, 2, entry.Attempts)
}

// S3: compensation. After S1 completes, CompensationRequested moves P
// Completed -> Compensating -> Compensated, publishing
// CompensationCompleted(B).
func TestEngineS3Compensation(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
		compErr: []error{nil},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewCompensationRequested(ctx, identity.NewTraceID(), "C", "peer C failed")))

	_, compCalls := p.calls()
	assert.Equal(t, 1, compCalls)

	compCompleted := bus.ofKind(KindCompensationCompleted)
	require.Len(t, compCompleted, 1)
	assert.Equal(t, "B", compCompleted[0].StepName)

	e.mu.Lock()
	entry := e.states[sagaID]
	e.mu.Unlock()
	assert.Equal(t, StateCompensated, entry.State)

	stats := e.GetSagaStats()
	assert.Equal(t, int64(1), stats.Compensating)
	assert.Equal(t, int64(1), stats.Compensated)
}

// S4: ambiguous compensation. Compensate returns Ambiguous; P ends
// Quarantined, publishing CompensationFailed(ambiguous=true) then
// Quarantined, with the journal retained (no auto-prune without a
// saga-wide terminal event).
func TestEngineS4AmbiguousCompensation(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
		compErr: []error{cherrors.NewAmbiguousError("undo status unknown", nil)},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewCompensationRequested(ctx, identity.NewTraceID(), "C", "peer C failed")))

	compFailed := bus.ofKind(KindCompensationFailed)
	require.Len(t, compFailed, 1)
	assert.True(t, compFailed[0].Ambiguous)

	quarantined := bus.ofKind(KindQuarantined)
	require.Len(t, quarantined, 1)

	e.mu.Lock()
	entry := e.states[sagaID]
	e.mu.Unlock()
	assert.Equal(t, StateQuarantined, entry.State)

	assert.NotEmpty(t, journal.kinds(sagaID), "journal must be retained absent a saga-wide terminal event")
}

// A participant that quarantines itself calls OnQuarantined directly
// from runCompensate right after it publishes the Quarantined event.
// Once that event comes back around through a self-delivering bus, the
// engine's own finalizeSaga must recognize it already reported this
// occurrence and must not invoke OnQuarantined a second time.
func TestEngineSelfDeliveredQuarantinedDoesNotDoubleNotify(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
		compErr: []error{cherrors.NewAmbiguousError("undo status unknown", nil)},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &loopingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	bus.drain(e)
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))
	bus.drain(e)
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewCompensationRequested(ctx, identity.NewTraceID(), "C", "peer C failed")))
	bus.drain(e) // redelivers this engine's own CompensationFailed and Quarantined publishes back to itself

	p.mu.Lock()
	hooks := len(p.quarantinedHook)
	p.mu.Unlock()
	assert.Equal(t, 1, hooks)
}

// S5: dedupe. Delivering StepCompleted(A) twice with the same trace id
// produces exactly one transition and one StepCompleted(B) publish;
// dedupe_hits increments by exactly one.
func TestEngineS5Dedupe(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))

	trace := identity.NewTraceID()
	event := NewStepCompleted(ctx, trace, "A", []byte("outA"), nil)
	require.NoError(t, e.HandleSagaEvent(context.Background(), event))
	require.NoError(t, e.HandleSagaEvent(context.Background(), event))

	execCalls, _ := p.calls()
	assert.Equal(t, 1, execCalls)
	assert.Len(t, bus.ofKind(KindStepCompleted), 1)

	stats := e.GetSagaStats()
	assert.Equal(t, int64(1), stats.DedupeHits)
}

// S6: crash recovery. Feed S1's events, then simulate a restart with a
// fresh Engine sharing the same journal/dedupe stores: RecoverSagas
// returns {saga_id}, the rebuilt state equals the pre-crash Completed
// state, and nothing is re-published (the old Engine's publishes are
// the only ones recorded).
func TestEngineS6CrashRecovery(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))
	require.Equal(t, 1, bus.count())

	// Simulate restart: fresh Engine, same durable collaborators.
	p2 := &scriptedParticipant{name: "B", dep: After("A"), policy: DefaultRetryPolicy()}
	bus2 := &recordingBus{}
	e2 := NewEngine(p2, journal, dedupe, bus2, WithScheduler(ImmediateScheduler{}))

	recovered, err := e2.RecoverSagas(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, sagaID, recovered[0])

	e2.mu.Lock()
	entry := e2.states[sagaID]
	e2.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, StateCompleted, entry.State)
	assert.Equal(t, []byte("outB"), entry.Output)
	assert.Equal(t, []byte("compB"), entry.CompensationData)

	assert.Equal(t, 0, bus2.count(), "recovery must not re-publish forward-completion events")
}

// A crash caught mid-Executing (StepEntered journaled, no matching
// completion/failure record yet) must re-invoke Execute with its
// original input on recovery, not nil: the StepEntered record carries
// the input precisely so a re-triggered entry isn't re-run blind.
func TestEngineRecoveryReExecutesWithOriginalInput(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	// Manually seed the journal as if a prior process crashed right
	// after entering Executing, before Execute ever returned.
	_, err := journal.Append(context.Background(), sagaID, 1000, ctx,
		ParticipantEvent{Kind: KindStepEntered, StepName: "B", Input: []byte("outA")})
	require.NoError(t, err)

	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))
	recovered, err := e.RecoverSagas(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	executeCalls, _ := p.calls()
	require.Equal(t, 1, executeCalls)
	assert.Equal(t, []byte("outA"), p.executeInputs[0])
}

// Terminal closure + finalize: once a saga-wide terminal choreography
// event (SagaCompleted here) is observed, the participant's journal and
// dedupe keys are pruned, the live entry is dropped, the matching
// LifecycleObserver hook fires, and a TerminalSummary survives in
// RecentTerminal for later inspection.
func TestEngineFinalizeSagaPrunesAndNotifies(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))
	require.NotEmpty(t, journal.kinds(sagaID))

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaCompleted(ctx, identity.NewTraceID())))

	assert.Empty(t, journal.kinds(sagaID))
	assert.False(t, dedupe.hasAnyKeys(sagaID))

	e.mu.Lock()
	_, stillLive := e.states[sagaID]
	e.mu.Unlock()
	assert.False(t, stillLive)

	p.mu.Lock()
	hooks := len(p.completedHook)
	p.mu.Unlock()
	assert.Equal(t, 1, hooks)

	summary, ok := e.RecentTerminal(sagaID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, summary.State)
}

// Compensation symmetry: a participant that reached Completed and
// later receives CompensationRequested never ends back in Completed
// or Failed.
func TestEngineCompensationSymmetry(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		execute: []func() (StepOutcome, error){
			func() (StepOutcome, error) { return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil },
		},
		compErr: []error{nil},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewCompensationRequested(ctx, identity.NewTraceID(), "C", "peer C failed")))

	e.mu.Lock()
	entry := e.states[sagaID]
	e.mu.Unlock()
	assert.NotEqual(t, StateCompleted, entry.State)
	assert.NotEqual(t, StateFailed, entry.State)
}

// CompensationRequested racing an in-flight Execute: the event must
// not be lost just because it arrived before Completed. The entry
// finishes Execute, observes CompensationObserved was set mid-flight,
// and compensates immediately rather than being stranded in Completed
// waiting for a redelivery that dedupe will never allow through.
func TestEngineCompensationRequestedDuringExecute(t *testing.T) {
	p := &scriptedParticipant{
		name: "B", dep: After("A"), policy: DefaultRetryPolicy(),
		compErr: []error{nil},
	}
	journal := newMemJournal()
	dedupe := newMemDedupe()
	bus := &recordingBus{}
	e := NewEngine(p, journal, dedupe, bus, WithScheduler(ImmediateScheduler{}))

	sagaID := identity.NewSagaID()
	ctx := newTestContext(sagaID)

	p.execute = []func() (StepOutcome, error){
		func() (StepOutcome, error) {
			// e.mu is unlocked for the duration of this callback, so
			// this recursive call reproduces a CompensationRequested
			// delivered by another goroutine while Execute is in flight.
			require.NoError(t, e.HandleSagaEvent(context.Background(),
				NewCompensationRequested(ctx, identity.NewTraceID(), "C", "peer C failed")))
			return StepOutcome{Output: []byte("outB"), CompensationData: []byte("compB")}, nil
		},
	}

	require.NoError(t, e.HandleSagaEvent(context.Background(), NewSagaStarted(ctx, identity.NewTraceID(), nil)))
	require.NoError(t, e.HandleSagaEvent(context.Background(), NewStepCompleted(ctx, identity.NewTraceID(), "A", []byte("outA"), nil)))

	e.mu.Lock()
	entry := e.states[sagaID]
	e.mu.Unlock()
	assert.Equal(t, StateCompensated, entry.State)

	_, compensateCalls := p.calls()
	assert.Equal(t, 1, compensateCalls)
	assert.Len(t, bus.ofKind(KindCompensationCompleted), 1)
}
