package saga

import (
	"context"
	"fmt"

	cherrors "choreosaga/errors"
	"choreosaga/identity"
	"choreosaga/logging"
)

// Bus is the minimal publish surface the dispatch engine needs. A
// concrete transport (bus/memory, bus/natsjetstream) implements this
// on top of its own subscribe/connection machinery.
type Bus interface {
	Publish(ctx context.Context, topic string, event ChoreographyEvent) error
}

// Observer receives a notification after every transition a
// participant's entry makes, for tracing/metrics integrations beyond
// the built-in Stats counters.
type Observer interface {
	OnTransition(sagaID identity.SagaID, stepName string, from, to State)
}

// HandleSagaEvent is the engine's single public entry point: feed it
// every inbound ChoreographyEvent for a saga type this participant
// subscribes to. It never blocks on retry backoff; a RetryableError
// schedules a future re-invocation through e.scheduler instead.
func (e *Engine) HandleSagaEvent(ctx context.Context, event ChoreographyEvent) error {
	sagaID := event.Context.SagaID
	key := identity.IdempotencyKey(event.TraceID, string(event.Kind))

	fresh, err := e.dedupe.CheckAndMark(ctx, sagaID, key)
	if err != nil {
		e.logger.Warn(ctx, "dedupe check failed, processing event anyway",
			logging.SagaID(sagaID), logging.Error(err))
	} else if !fresh {
		e.stats.recordDedupeHit()
		e.logger.Debug(ctx, "duplicate event dropped", logging.SagaID(sagaID), logging.Any("kind", event.Kind))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, existed := e.states[sagaID]
	if !existed {
		// finalizeSaga dropped the entry and pruned the dedupe keys of a
		// finished saga; while its TerminalSummary stays cached, a later
		// event for it (a redelivery included) is dropped rather than
		// starting a fresh Idle entry.
		if _, finished := e.RecentTerminal(sagaID); finished {
			return nil
		}
		entry = NewStateEntry(event.Context, e.clock.NowMillis())
		e.states[sagaID] = entry
	}

	if IsTerminalSagaEvent(event.Kind) {
		e.finalizeSaga(ctx, sagaID, entry, event)
		return nil
	}

	if entry.State == StateCompleted && event.Kind == KindCompensationRequested {
		next, fired := AdvanceOnCompensationRequested(entry, e.clock.NowMillis())
		e.states[sagaID] = next
		if fired {
			e.stats.recordCompensateOutcome(CompensateTriggered)
			e.notify(sagaID, entry.State, next.State)
			e.runCompensate(ctx, sagaID, next)
		}
		return nil
	}

	from := entry.State
	next, outcome := AdvanceOnEvent(entry, e.participant.DependsOn(), event, e.clock.NowMillis())
	e.states[sagaID] = next

	switch outcome {
	case ForwardIgnored, ForwardWitnessOnly:
		return nil
	case ForwardTriggered:
		e.stats.recordOutcome(ForwardTriggered)
		e.notify(sagaID, from, next.State)
		e.runExecute(ctx, sagaID, next)
	}
	return nil
}

// runExecute drives the Triggered -> Executing -> {Completed, Failed,
// Triggered (retry)} leg. It is always called with e.mu held, but
// releases it while the participant callback runs so a slow Execute
// cannot block other sagas' HandleSagaEvent calls; it re-locks before
// touching e.states again.
func (e *Engine) runExecute(ctx context.Context, sagaID identity.SagaID, entry *StateEntry) {
	executing := entry.clone()
	executing.State = StateExecuting
	executing.LastTransitionMillis = e.clock.NowMillis()
	e.states[sagaID] = executing
	e.notify(sagaID, entry.State, executing.State)
	entry = executing

	e.appendWithRetry(ctx, sagaID, entry.Context, ParticipantEvent{Kind: KindStepEntered, StepName: e.participant.StepName(), Input: entry.PendingInput}, false)

	e.mu.Unlock()
	outcome, execErr := e.invokeExecute(ctx, entry)
	e.mu.Lock()

	policy := e.participant.RetryPolicy()
	current := e.states[sagaID]
	next, forward := AdvanceOnExecuteResult(current, outcome, execErr, policy, e.clock.NowMillis())
	e.states[sagaID] = next
	e.stats.recordOutcome(forward)
	e.notify(sagaID, current.State, next.State)

	requiresCompensation := forward == ForwardFailed && execErr != nil && classifyStepError(execErr) == stepRequireCompensation
	e.appendJournal(ctx, sagaID, next, forward, requiresCompensation)

	switch forward {
	case ForwardCompleted:
		e.publish(ctx, NewStepCompleted(next.Context, identity.NewTraceID(), e.participant.StepName(), next.Output, next.CompensationData))
		if next.CompensationObserved {
			// A CompensationRequested/SagaFailed/Quarantined event arrived
			// while Execute was still in flight; it was recorded on the
			// entry but produced no transition because the entry wasn't
			// in Completed yet to react to it, and dedupe means that same
			// event will never be redelivered. Honor it now instead of
			// leaving the entry stranded in Completed.
			if compensating, fired := AdvanceOnCompensationRequested(next, e.clock.NowMillis()); fired {
				e.states[sagaID] = compensating
				e.stats.recordCompensateOutcome(CompensateTriggered)
				e.notify(sagaID, next.State, compensating.State)
				e.runCompensate(ctx, sagaID, compensating)
			}
		}
	case ForwardFailed:
		e.publish(ctx, NewStepFailed(next.Context, identity.NewTraceID(), e.participant.StepName(), next.FailureReason, requiresCompensation))
	case ForwardRetryScheduled:
		delay := policy.DelayForAttempt(next.Attempts + 1)
		// Scheduled outside the lock: a synchronous Scheduler (tests'
		// ImmediateScheduler) invokes fn on this same goroutine, and fn
		// needs e.mu free to re-acquire it. A real TimerScheduler fires
		// fn on its own goroutine later, so releasing here costs
		// nothing in production either.
		e.mu.Unlock()
		e.scheduler.ScheduleAfter(delay, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if entry := e.states[sagaID]; entry != nil && entry.State == StateTriggered {
				e.runExecute(ctx, sagaID, entry)
			}
		})
		e.mu.Lock()
	}
}

// invokeExecute calls the participant's Execute callback, converting
// any panic into a Terminal-class error so a misbehaving callback
// never escapes into the dispatch loop.
func (e *Engine) invokeExecute(ctx context.Context, entry *StateEntry) (outcome StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cherrors.NewTerminalError(fmt.Sprintf("panic in execute_step: %v", r), nil)
		}
	}()
	return e.participant.Execute(ctx, entry.Context, entry.PendingInput)
}

// runCompensate drives the Compensating -> {Compensated, Quarantined}
// leg, mirroring runExecute.
func (e *Engine) runCompensate(ctx context.Context, sagaID identity.SagaID, entry *StateEntry) {
	e.appendWithRetry(ctx, sagaID, entry.Context, ParticipantEvent{Kind: KindCompensationEntered, StepName: e.participant.StepName()}, false)

	e.mu.Unlock()
	compErr := e.invokeCompensate(ctx, entry)
	e.mu.Lock()

	current := e.states[sagaID]
	next, outcome := AdvanceOnCompensateResult(current, compErr, e.clock.NowMillis())
	e.states[sagaID] = next
	e.stats.recordCompensateOutcome(outcome)
	e.notify(sagaID, current.State, next.State)

	e.appendCompensateJournal(ctx, sagaID, next, outcome)

	switch outcome {
	case CompensateDone:
		e.publish(ctx, NewCompensationCompleted(next.Context, identity.NewTraceID(), e.participant.StepName()))
	case CompensateQuarantinedAmbiguous:
		e.publish(ctx, NewCompensationFailed(next.Context, identity.NewTraceID(), e.participant.StepName(), next.FailureReason, true))
		e.publish(ctx, NewQuarantined(next.Context, identity.NewTraceID(), e.participant.StepName(), next.FailureReason))
		e.notifyQuarantined(next)
	case CompensateQuarantinedTerminal:
		e.publish(ctx, NewQuarantined(next.Context, identity.NewTraceID(), e.participant.StepName(), next.FailureReason))
		e.notifyQuarantined(next)
	}
}

func (e *Engine) invokeCompensate(ctx context.Context, entry *StateEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cherrors.NewAmbiguousError(fmt.Sprintf("panic in compensate_step: %v", r), nil)
		}
	}()
	return e.participant.Compensate(ctx, entry.Context, entry.CompensationData)
}

func (e *Engine) notifyQuarantined(entry *StateEntry) {
	if obs, ok := e.participant.(LifecycleObserver); ok {
		obs.OnQuarantined(entry.Context, entry.FailureReason)
	}
}

func (e *Engine) notify(sagaID identity.SagaID, from, to State) {
	if from == to {
		return
	}
	e.logger.Debug(context.Background(), "saga transition",
		logging.SagaID(sagaID), logging.StepName(e.participant.StepName()),
		logging.String("from", string(from)), logging.String("to", string(to)))
	if e.observer != nil {
		e.observer.OnTransition(sagaID, e.participant.StepName(), from, to)
	}
}

func (e *Engine) publish(ctx context.Context, event ChoreographyEvent) {
	if err := e.bus.Publish(ctx, Topic(event.Context.SagaType), event); err != nil {
		e.logger.Error(ctx, "publish failed; local state remains authoritative",
			logging.SagaID(event.Context.SagaID), logging.Any("kind", event.Kind), logging.Error(err))
	}
}
