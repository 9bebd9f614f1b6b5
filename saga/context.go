// Package saga implements the choreography-based saga engine: the
// typestate state machine, event dispatch and dedupe, durable-journal
// recovery, and step-execution/compensation protocol a single
// participant uses to take part in a distributed saga without a
// central coordinator.
package saga

import (
	"choreosaga/identity"
)

// Context is the immutable value propagated verbatim with every
// choreography event belonging to one saga.
type Context struct {
	SagaID             identity.SagaID
	SagaType           string
	InitiatorPeer      identity.PeerID
	CreatedAtMillis    int64
	PayloadFingerprint string
}

// NewContext creates the Context for a newly-initiated saga. The
// fingerprint is opaque to the engine — callers typically hash the
// initiating payload so later steps can detect payload drift without
// carrying the payload itself around.
func NewContext(sagaID identity.SagaID, sagaType string, initiator identity.PeerID, createdAtMillis int64, payloadFingerprint string) Context {
	return Context{
		SagaID:             sagaID,
		SagaType:           sagaType,
		InitiatorPeer:      initiator,
		CreatedAtMillis:    createdAtMillis,
		PayloadFingerprint: payloadFingerprint,
	}
}

// Topic returns the pub/sub topic name carrying every choreography
// event for sagas of the given type.
func Topic(sagaType string) string {
	return "saga:" + sagaType
}
