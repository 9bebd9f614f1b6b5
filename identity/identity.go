// Package identity provides the saga framework's identifier types: saga
// identity, participant identity, per-event trace identity, and the
// derived idempotency key used for dedupe.
//
// Each identifier wraps a 128-bit uuid.UUID but is a distinct Go type, so
// a PeerID cannot be passed where a SagaID is expected without an
// explicit conversion.
package identity

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// SagaID globally identifies one saga instance.
type SagaID uuid.UUID

// NewSagaID generates a random SagaID.
func NewSagaID() SagaID {
	return SagaID(uuid.New())
}

// ParseSagaID parses a canonical UUID string into a SagaID.
func ParseSagaID(s string) (SagaID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SagaID{}, fmt.Errorf("identity: parse saga id: %w", err)
	}
	return SagaID(id), nil
}

func (id SagaID) String() string { return uuid.UUID(id).String() }

// MarshalText implements encoding.TextMarshaler.
func (id SagaID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SagaID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = SagaID(u)
	return nil
}

// Value implements driver.Valuer for storage backends that bind IDs as text.
func (id SagaID) Value() (driver.Value, error) { return id.String(), nil }

// IsZero reports whether id is the zero-value SagaID.
func (id SagaID) IsZero() bool { return id == SagaID{} }

// PeerID identifies a participant implementation. It is derived
// deterministically from the participant's step name so that it is
// stable across process restarts without external coordination.
type PeerID uuid.UUID

// peerIDNamespace is a fixed namespace UUID used to derive PeerIDs from
// step names via UUIDv5. Any fixed namespace works; this one exists only
// to keep derivation stable and collision-free against the UUID spec's
// other reserved namespaces.
var peerIDNamespace = uuid.MustParse("8f14e45f-ceea-467e-bd9d-1c1a5a9c1f39")

// PeerIDFromStepName derives the stable PeerID for a participant's
// step_name.
func PeerIDFromStepName(stepName string) PeerID {
	return PeerID(uuid.NewSHA1(peerIDNamespace, []byte(stepName)))
}

func (id PeerID) String() string { return uuid.UUID(id).String() }

// TraceID identifies one inbound choreography event for idempotency
// purposes.
type TraceID uuid.UUID

// NewTraceID generates a fresh TraceID, used whenever the dispatch
// engine mints a follow-up choreography event.
func NewTraceID() TraceID { return TraceID(uuid.New()) }

func (id TraceID) String() string { return uuid.UUID(id).String() }

// ParseTraceID parses a canonical UUID string into a TraceID.
func ParseTraceID(s string) (TraceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TraceID{}, fmt.Errorf("identity: parse trace id: %w", err)
	}
	return TraceID(id), nil
}

// IdempotencyKey derives the dedupe key for an inbound event, in the
// "<trace_id>:<event_kind>" form. The publisher peer is deliberately
// left out of the key: a given trace_id/event_kind pair is only ever
// produced by one publisher, so including it would add no collision
// resistance.
func IdempotencyKey(trace TraceID, eventKind string) string {
	return trace.String() + ":" + eventKind
}
