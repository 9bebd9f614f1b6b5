package saga

import (
	"context"
	"sync"
	"time"

	"choreosaga/identity"
	"choreosaga/logging"
	"choreosaga/obscache"
)

// defaultTerminalCacheSize and defaultTerminalCacheTTL bound the
// per-Engine post-prune audit cache (see terminal.go): small enough
// that a long-lived process doesn't accumulate an unbounded history of
// sagas it took part in, generous enough that an operator inspecting a
// saga shortly after it finished still finds it.
const (
	defaultTerminalCacheSize = 4096
	defaultTerminalCacheTTL  = time.Hour
)

// journalWriteRetries bounds the bounded-retry-then-quarantine policy
// applied to journal writes on the two critical transitions
// (Executing->Completed, Compensating->Compensated).
const journalWriteRetries = 3

// Engine wires one Participant's callbacks to a Journal, a Dedupe
// store, a Bus, a Clock, and a Scheduler, and owns the live
// SagaStateEntry map for that participant. Exactly one Engine exists
// per participant per process; its HandleSagaEvent is the mailbox
// the host delivers inbound events to serially.
type Engine struct {
	participant Participant
	journal     Journal
	dedupe      Dedupe
	bus         Bus
	clock       identity.Clock
	scheduler   Scheduler
	logger      logging.ILogger
	observer    Observer
	obscache    *obscache.Cache[identity.SagaID, TerminalSummary]

	mu     sync.Mutex
	states map[identity.SagaID]*StateEntry
	stats  ParticipantStats
}

// EngineOption configures optional Engine dependencies, following the
// teacher's functional-options constructors.
type EngineOption func(*Engine)

// WithObserver attaches an Observer notified on every transition.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the default SystemClock, for deterministic tests.
func WithClock(c identity.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithScheduler overrides the default TimerScheduler, for tests that
// want retries to run synchronously.
func WithScheduler(s Scheduler) EngineOption {
	return func(e *Engine) { e.scheduler = s }
}

// WithLogger overrides the component logger derived from the global one.
func WithLogger(l logging.ILogger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTerminalCache overrides the default-sized post-prune audit cache
// backing RecentTerminal, for callers that want a different retention
// window or size bound than defaultTerminalCacheSize/TTL.
func WithTerminalCache(c *obscache.Cache[identity.SagaID, TerminalSummary]) EngineOption {
	return func(e *Engine) { e.obscache = c }
}

// NewEngine builds an Engine ready to receive events for participant.
func NewEngine(participant Participant, journal Journal, dedupe Dedupe, bus Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		participant: participant,
		journal:     journal,
		dedupe:      dedupe,
		bus:         bus,
		clock:       identity.NewSystemClock(),
		scheduler:   NewTimerScheduler(),
		logger:      logging.ComponentLogger("saga." + participant.StepName()),
		obscache:    obscache.New[identity.SagaID, TerminalSummary](defaultTerminalCacheSize, defaultTerminalCacheTTL),
		states:      make(map[identity.SagaID]*StateEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetSagaStats returns a snapshot of this participant's counters.
func (e *Engine) GetSagaStats() Stats {
	return e.stats.Snapshot()
}

// appendJournal writes the post-execution ParticipantEvent for a
// forward-step transition. On the Completed transition it is a
// critical write: failure is retried with backoff, and if still
// unrecoverable the participant is forced into Quarantined and a
// Quarantined choreography event is published, per the framework's
// failure semantics for critical transitions. Other forward
// transitions degrade to a logged error on persistent failure rather
// than forcing quarantine, since losing a StepFailed/retry journal
// record does not risk a double-execution the way losing a Completed
// record would.
func (e *Engine) appendJournal(ctx context.Context, sagaID identity.SagaID, entry *StateEntry, outcome ForwardOutcome, requiresCompensation bool) {
	var kind EventKind
	switch outcome {
	case ForwardCompleted:
		kind = KindParticipantStepDone
	case ForwardFailed:
		kind = KindParticipantStepFailed
	case ForwardRetryScheduled:
		kind = KindParticipantStepFailed
	default:
		return
	}

	ev := ParticipantEvent{
		Kind:                 kind,
		StepName:             e.participant.StepName(),
		Output:               entry.Output,
		CompensationData:     entry.CompensationData,
		Reason:               entry.FailureReason,
		RequiresCompensation: requiresCompensation,
	}

	critical := outcome == ForwardCompleted
	if err := e.appendWithRetry(ctx, sagaID, entry.Context, ev, critical); err != nil && critical {
		e.forceQuarantine(ctx, sagaID, entry, "journal write failed after retries: "+err.Error())
	}
}

// appendCompensateJournal mirrors appendJournal for the compensation leg.
func (e *Engine) appendCompensateJournal(ctx context.Context, sagaID identity.SagaID, entry *StateEntry, outcome CompensateOutcome) {
	var kind EventKind
	switch outcome {
	case CompensateDone:
		kind = KindCompensationSucceeded
	case CompensateQuarantinedAmbiguous, CompensateQuarantinedTerminal:
		kind = KindParticipantCompFailed
	default:
		return
	}

	ev := ParticipantEvent{
		Kind:      kind,
		StepName:  e.participant.StepName(),
		Reason:    entry.FailureReason,
		Ambiguous: outcome == CompensateQuarantinedAmbiguous,
	}

	critical := outcome == CompensateDone
	if err := e.appendWithRetry(ctx, sagaID, entry.Context, ev, critical); err != nil && critical {
		e.forceQuarantine(ctx, sagaID, entry, "journal write failed after retries: "+err.Error())
	}
}

// appendWithRetry writes ev to the journal. When critical is true it
// makes up to journalWriteRetries attempts, sleeping 10ms, then 20ms,
// and so on between them.
func (e *Engine) appendWithRetry(ctx context.Context, sagaID identity.SagaID, sagaCtx Context, ev ParticipantEvent, critical bool) error {
	attempts := 1
	if critical {
		attempts = journalWriteRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if _, err := e.journal.Append(ctx, sagaID, e.clock.NowMillis(), sagaCtx, ev); err != nil {
			lastErr = err
			e.logger.Warn(ctx, "journal append failed", logging.SagaID(sagaID), logging.Error(err))
			if i < attempts-1 {
				time.Sleep(10 * time.Millisecond * time.Duration(i+1))
			}
			continue
		}
		return nil
	}
	return lastErr
}

// forceQuarantine overrides entry to Quarantined after an
// unrecoverable critical journal failure and publishes the
// Quarantined choreography event. Called from appendJournal or
// appendCompensateJournal, both of which run with e.mu already held
// by runExecute/runCompensate, so it mutates e.states directly rather
// than re-acquiring the lock.
func (e *Engine) forceQuarantine(ctx context.Context, sagaID identity.SagaID, entry *StateEntry, reason string) {
	quarantined := entry.clone()
	quarantined.State = StateQuarantined
	quarantined.FailureReason = reason
	e.states[sagaID] = quarantined

	e.stats.quarantined.Add(1)
	e.logger.Error(ctx, "forcing quarantine after journal failure", logging.SagaID(sagaID), logging.String("reason", reason))
	e.publish(ctx, NewQuarantined(quarantined.Context, identity.NewTraceID(), e.participant.StepName(), reason))
	e.notifyQuarantined(quarantined)
}

