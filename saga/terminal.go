package saga

import (
	"context"

	"choreosaga/identity"
	"choreosaga/logging"
)

// TerminalSummary is what survives in an Engine's obscache after a
// saga's journal and dedupe keys have been pruned: just enough for an
// operator or a late-arriving inspection call to see how a saga this
// participant took part in actually ended.
type TerminalSummary struct {
	State            State
	Reason           string
	FinishedAtMillis int64
}

// RecentTerminal returns the TerminalSummary recorded for sagaID, if
// this Engine still has it cached. A saga that never reached one of
// the three saga-wide terminal events, or that fell out of the
// cache's bound, reports false.
func (e *Engine) RecentTerminal(sagaID identity.SagaID) (TerminalSummary, bool) {
	if e.obscache == nil {
		return TerminalSummary{}, false
	}
	return e.obscache.Get(sagaID)
}

// finalizeSaga runs once this participant observes one of the three
// saga-wide terminal choreography events (SagaCompleted, SagaFailed,
// Quarantined) for sagaID: it notifies any LifecycleObserver hook,
// records a TerminalSummary for post-prune inspection, prunes this
// participant's journal and dedupe keys for the saga (spec's "destroyed
// ... after a terminal event has been observed and the dedupe set has
// been pruned"), and drops the live entry. Called with e.mu held.
func (e *Engine) finalizeSaga(ctx context.Context, sagaID identity.SagaID, entry *StateEntry, event ChoreographyEvent) {
	e.notifyLifecycle(entry, event)

	if e.obscache != nil {
		reason := event.Reason
		if reason == "" {
			reason = entry.FailureReason
		}
		e.obscache.Set(sagaID, TerminalSummary{
			State:            entry.State,
			Reason:           reason,
			FinishedAtMillis: e.clock.NowMillis(),
		})
	}

	if err := e.journal.Prune(ctx, sagaID); err != nil {
		e.logger.Warn(ctx, "journal prune failed after saga terminal", logging.SagaID(sagaID), logging.Error(err))
	}
	if err := e.dedupe.Prune(ctx, sagaID); err != nil {
		e.logger.Warn(ctx, "dedupe prune failed after saga terminal", logging.SagaID(sagaID), logging.Error(err))
	}

	delete(e.states, sagaID)
}

// notifyLifecycle dispatches the optional LifecycleObserver hook
// matching event's kind, if the participant implements it. A
// self-quarantined participant (runCompensate/forceQuarantine) has
// already called OnQuarantined directly, right after publishing the
// Quarantined event while still holding e.mu; bus/memory and any other
// bus that fans a publish out to its own publisher will redeliver that
// same event back to this
// Engine's own mailbox, so entry.State already being Quarantined is
// how this engine recognizes its own prior occurrence and skips
// re-notifying for it.
func (e *Engine) notifyLifecycle(entry *StateEntry, event ChoreographyEvent) {
	obs, ok := e.participant.(LifecycleObserver)
	if !ok {
		return
	}
	sagaCtx := entry.Context
	switch event.Kind {
	case KindSagaCompleted:
		obs.OnSagaCompleted(sagaCtx)
	case KindSagaFailed:
		obs.OnSagaFailed(sagaCtx, event.Reason)
	case KindQuarantined:
		if entry.State == StateQuarantined {
			return
		}
		obs.OnQuarantined(sagaCtx, event.Reason)
	}
}
