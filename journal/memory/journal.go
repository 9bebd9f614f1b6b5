// Package memory provides an in-memory saga.Journal, for tests and
// for single-process deployments that accept losing history on
// restart. Adapted from the teacher's patterns/saga in-memory state
// store: a mutex-guarded map keyed by saga id, generalized here from
// whole-state upserts to an append-only per-saga log.
package memory

import (
	"context"
	"sync"

	"choreosaga/identity"
	"choreosaga/saga"
)

// Journal is a concurrency-safe, non-durable saga.Journal.
type Journal struct {
	mu   sync.RWMutex
	logs map[identity.SagaID][]saga.JournalRecord
}

// New returns an empty Journal.
func New() *Journal {
	return &Journal{logs: make(map[identity.SagaID][]saga.JournalRecord)}
}

// Append records event for sagaID, assigning it the next sequence number.
func (j *Journal) Append(ctx context.Context, sagaID identity.SagaID, nowMillis int64, sagaCtx saga.Context, event saga.ParticipantEvent) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.logs[sagaID]))
	j.logs[sagaID] = append(j.logs[sagaID], saga.JournalRecord{
		SagaID:          sagaID,
		SequenceNumber:  seq,
		TimestampMillis: nowMillis,
		Context:         sagaCtx,
		Event:           event,
	})
	return seq, nil
}

// Read returns every record for sagaID in ascending sequence order.
func (j *Journal) Read(ctx context.Context, sagaID identity.SagaID) ([]saga.JournalRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	records := j.logs[sagaID]
	out := make([]saga.JournalRecord, len(records))
	copy(out, records)
	return out, nil
}

// ListSagas returns every sagaID with at least one journal entry.
func (j *Journal) ListSagas(ctx context.Context) ([]identity.SagaID, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]identity.SagaID, 0, len(j.logs))
	for id := range j.logs {
		out = append(out, id)
	}
	return out, nil
}

// Prune erases every entry for sagaID.
func (j *Journal) Prune(ctx context.Context, sagaID identity.SagaID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.logs, sagaID)
	return nil
}
