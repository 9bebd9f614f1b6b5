package saga

import (
	"context"

	"choreosaga/identity"
	"choreosaga/logging"
)

// RecoverSagas is called once at startup. It replays every saga's
// journal to rebuild this participant's live SagaStateEntry map,
// skips sagas already terminal (candidates for pruning), and for any
// saga caught mid-flight re-invokes Execute or Compensate right away,
// before returning. It never re-publishes forward-completion events:
// other participants are responsible for their own recovery, and
// dedupe suppresses any resulting duplicate.
func (e *Engine) RecoverSagas(ctx context.Context) ([]identity.SagaID, error) {
	sagaIDs, err := e.journal.ListSagas(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var recovered []identity.SagaID
	for _, sagaID := range sagaIDs {
		records, err := e.journal.Read(ctx, sagaID)
		if err != nil {
			e.logger.Error(ctx, "recovery: journal read failed", logging.SagaID(sagaID), logging.Error(err))
			continue
		}

		entry := replayStateEntry(records)
		if entry == nil {
			continue
		}

		switch entry.State {
		case StateExecuting:
			entry.State = StateTriggered
		case StateFailed:
			// StepFailed is journaled identically whether the attempt
			// was retried or gave up for good; attempts vs. the
			// participant's own retry policy is what disambiguates.
			if !e.participant.RetryPolicy().ExhaustedAt(entry.Attempts) {
				entry.State = StateTriggered
			}
		}

		if entry.State.IsTerminal() {
			continue
		}

		e.states[sagaID] = entry
		recovered = append(recovered, sagaID)

		// A Triggered or Compensating entry was caught mid-flight by a
		// crash: nothing will re-deliver the event that last drove it
		// forward, so recovery itself must re-invoke the callback
		// rather than wait for one. runExecute/runCompensate expect
		// e.mu held on entry and release it only around the callback
		// call, so this is safe inside the loop still holding e.mu.
		switch entry.State {
		case StateTriggered:
			e.runExecute(ctx, sagaID, entry)
		case StateCompensating:
			e.runCompensate(ctx, sagaID, entry)
		}
	}

	return recovered, nil
}

// replayStateEntry folds a participant's ordered journal records into
// a StateEntry, restricted to the ParticipantEvent family, mirroring
// the transitions the live dispatch path applies. Returns nil if
// records is empty (nothing to recover).
func replayStateEntry(records []JournalRecord) *StateEntry {
	if len(records) == 0 {
		return nil
	}

	entry := &StateEntry{
		State:             StateIdle,
		DependencyWitness: make(map[string]struct{}),
	}

	for _, rec := range records {
		entry.Context = rec.Context
		entry.LastTransitionMillis = rec.TimestampMillis
		switch rec.Event.Kind {
		case KindStepEntered:
			entry.State = StateExecuting
			entry.Attempts++
			entry.PendingInput = rec.Event.Input
		case KindParticipantStepDone:
			entry.State = StateCompleted
			entry.Output = rec.Event.Output
			entry.CompensationData = rec.Event.CompensationData
		case KindParticipantStepFailed:
			entry.State = StateFailed
			entry.FailureReason = rec.Event.Reason
		case KindCompensationEntered:
			entry.State = StateCompensating
		case KindCompensationSucceeded:
			entry.State = StateCompensated
		case KindParticipantCompFailed:
			entry.State = StateQuarantined
			entry.FailureReason = rec.Event.Reason
		case KindParticipantQuarantined:
			entry.State = StateQuarantined
			entry.FailureReason = rec.Event.Reason
		}
	}

	return entry
}
