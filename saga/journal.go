package saga

import (
	"context"

	"choreosaga/identity"
)

// JournalRecord is one append-only entry in a participant's per-saga
// log: enough to replay a ParticipantEvent during recovery. Context is
// carried on every record, redundantly, rather than in a separate
// per-saga header row: it keeps Read's result self-contained and lets
// every Journal implementation stay a single flat table.
type JournalRecord struct {
	SagaID          identity.SagaID
	SequenceNumber  uint64
	TimestampMillis int64
	Context         Context
	Event           ParticipantEvent
}

// Journal is the storage trait durable per-participant history is
// appended to and replayed from. Implementations (journal/memory,
// journal/sqlite) must guarantee: durability before Append returns,
// strictly monotonic SequenceNumber per saga_id, and safety under
// concurrent readers. Grounded on the teacher's ISagaStateStore
// (patterns/saga/state_store.go), generalized from whole-state
// upserts to an append-only event log.
type Journal interface {
	// Append durably records event for sagaID and returns the
	// sequence number assigned to it, which is one greater than the
	// previous append for the same sagaID (or zero for the first).
	// sagaCtx is stored alongside event so recovery can reconstruct a
	// StateEntry's Context without a separate lookup.
	Append(ctx context.Context, sagaID identity.SagaID, nowMillis int64, sagaCtx Context, event ParticipantEvent) (uint64, error)

	// Read returns every record for sagaID in ascending sequence
	// order. Returns an empty slice, not an error, for an unknown
	// sagaID.
	Read(ctx context.Context, sagaID identity.SagaID) ([]JournalRecord, error)

	// ListSagas returns every sagaID with at least one journal entry,
	// for use during startup recovery.
	ListSagas(ctx context.Context) ([]identity.SagaID, error)

	// Prune erases every entry for sagaID. The engine calls it once a
	// saga-wide terminal event has been observed, just before it prunes
	// the saga's dedupe keys.
	Prune(ctx context.Context, sagaID identity.SagaID) error
}
