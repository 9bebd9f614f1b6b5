package saga

import (
	"context"

	"choreosaga/identity"
)

// Dedupe is the storage trait that restores at-most-once processing
// over an at-least-once pub/sub bus. Grounded on the teacher's
// messaging/command/middleware.IdempotencyStore: a per-key
// check-and-mark, scoped here by saga so a terminal saga's keys can be
// pruned as a unit.
type Dedupe interface {
	// CheckAndMark atomically records key for sagaID and reports
	// whether it was newly inserted (true) or already present
	// (false). A dedupe backend failure should be surfaced as an
	// error so the caller can fail open per the framework's
	// propagation policy, rather than silently treated as a miss.
	CheckAndMark(ctx context.Context, sagaID identity.SagaID, key string) (bool, error)

	// Prune drops every key recorded for sagaID.
	Prune(ctx context.Context, sagaID identity.SagaID) error
}
