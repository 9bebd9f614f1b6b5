package saga

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"choreosaga/identity"
)

// wireSchemaVersion is bumped whenever a field is added to
// wireChoreographyEvent in a way that changes its JSON shape.
// Unknown future versions are rejected outright rather than guessed
// at; an unknown future Kind within a known version still decodes and
// is then dropped silently by the engine, which has no transition for
// it, per the compatibility rule.
const wireSchemaVersion uint16 = 1

// wireChoreographyEvent is the JSON-serializable mirror of
// ChoreographyEvent. It exists separately so the identifiers travel as
// canonical UUID strings (identity.TraceID and identity.PeerID have no
// text marshalers of their own) and so the wire shape is decoupled
// from any future in-memory field additions.
type wireChoreographyEvent struct {
	Kind                 EventKind `json:"kind"`
	SagaID               string    `json:"saga_id"`
	SagaType             string    `json:"saga_type"`
	InitiatorPeer        string    `json:"initiator_peer"`
	CreatedAtMillis      int64     `json:"created_at_millis"`
	PayloadFingerprint   string    `json:"payload_fingerprint,omitempty"`
	TraceID              string    `json:"trace_id"`
	Payload              []byte    `json:"payload,omitempty"`
	StepName             string    `json:"step_name,omitempty"`
	Output               []byte    `json:"output,omitempty"`
	CompensationData     []byte    `json:"compensation_data,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	RequiresCompensation bool      `json:"requires_compensation,omitempty"`
	OriginatingStep      string    `json:"originating_step,omitempty"`
	Ambiguous            bool      `json:"ambiguous,omitempty"`
}

// EncodeChoreographyEvent serializes e into the wire format every bus
// transport carries: a 2-byte schema version, a 4-byte big-endian
// payload length, then the JSON payload itself. The length prefix lets
// a transport frame messages without relying on the underlying
// transport's own framing (relevant for transports, like a raw TCP
// stream, that don't provide message boundaries on their own).
func EncodeChoreographyEvent(e ChoreographyEvent) ([]byte, error) {
	w := wireChoreographyEvent{
		Kind:                 e.Kind,
		SagaID:               e.Context.SagaID.String(),
		SagaType:             e.Context.SagaType,
		InitiatorPeer:        e.Context.InitiatorPeer.String(),
		CreatedAtMillis:      e.Context.CreatedAtMillis,
		PayloadFingerprint:   e.Context.PayloadFingerprint,
		TraceID:              e.TraceID.String(),
		Payload:              e.Payload,
		StepName:             e.StepName,
		Output:               e.Output,
		CompensationData:     e.CompensationData,
		Reason:               e.Reason,
		RequiresCompensation: e.RequiresCompensation,
		OriginatingStep:      e.OriginatingStep,
		Ambiguous:            e.Ambiguous,
	}

	payload, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("saga: encode %s event: %w", e.Kind, err)
	}

	buf := make([]byte, 6+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], wireSchemaVersion)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	return buf, nil
}

// DecodeChoreographyEvent parses the wire format EncodeChoreographyEvent
// produces. It rejects a schema version newer than this package knows
// about, since silently misreading an incompatible binary shape is
// worse than failing loudly.
func DecodeChoreographyEvent(data []byte) (ChoreographyEvent, error) {
	if len(data) < 6 {
		return ChoreographyEvent{}, fmt.Errorf("saga: wire event too short: %d bytes", len(data))
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version > wireSchemaVersion {
		return ChoreographyEvent{}, fmt.Errorf("saga: wire event schema version %d newer than supported %d", version, wireSchemaVersion)
	}
	length := binary.BigEndian.Uint32(data[2:6])
	payload := data[6:]
	if uint32(len(payload)) < length {
		return ChoreographyEvent{}, fmt.Errorf("saga: wire event truncated: want %d bytes, have %d", length, len(payload))
	}

	var w wireChoreographyEvent
	if err := json.Unmarshal(payload[:length], &w); err != nil {
		return ChoreographyEvent{}, fmt.Errorf("saga: decode event: %w", err)
	}

	sagaID, err := parseSagaIDOrZero(w.SagaID)
	if err != nil {
		return ChoreographyEvent{}, err
	}
	initiator, err := parsePeerIDOrZero(w.InitiatorPeer)
	if err != nil {
		return ChoreographyEvent{}, err
	}
	trace, err := parseTraceIDOrZero(w.TraceID)
	if err != nil {
		return ChoreographyEvent{}, err
	}

	return ChoreographyEvent{
		Kind: w.Kind,
		Context: Context{
			SagaID:             sagaID,
			SagaType:           w.SagaType,
			InitiatorPeer:      initiator,
			CreatedAtMillis:    w.CreatedAtMillis,
			PayloadFingerprint: w.PayloadFingerprint,
		},
		TraceID:              trace,
		Payload:              w.Payload,
		StepName:             w.StepName,
		Output:               w.Output,
		CompensationData:     w.CompensationData,
		Reason:               w.Reason,
		RequiresCompensation: w.RequiresCompensation,
		OriginatingStep:      w.OriginatingStep,
		Ambiguous:            w.Ambiguous,
	}, nil
}

// FrameLength reports how many bytes of data a complete
// DecodeChoreographyEvent call would consume, for transports that
// deliver a byte stream rather than discrete messages.
func FrameLength(data []byte) (int, bool) {
	if len(data) < 6 {
		return 0, false
	}
	length := binary.BigEndian.Uint32(data[2:6])
	total := 6 + int(length)
	if len(data) < total {
		return 0, false
	}
	return total, true
}

func parseSagaIDOrZero(s string) (identity.SagaID, error) {
	if s == "" {
		return identity.SagaID{}, nil
	}
	id, err := identity.ParseSagaID(s)
	if err != nil {
		return identity.SagaID{}, fmt.Errorf("saga: decode event: %w", err)
	}
	return id, nil
}

func parsePeerIDOrZero(s string) (identity.PeerID, error) {
	if s == "" {
		return identity.PeerID{}, nil
	}
	id, err := identity.ParseSagaID(s)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("saga: decode event: %w", err)
	}
	return identity.PeerID(id), nil
}

func parseTraceIDOrZero(s string) (identity.TraceID, error) {
	if s == "" {
		return identity.TraceID{}, nil
	}
	id, err := identity.ParseTraceID(s)
	if err != nil {
		return identity.TraceID{}, fmt.Errorf("saga: decode event: %w", err)
	}
	return id, nil
}

// splitFrames is a test/diagnostic helper that slices a concatenated
// run of wire frames back into individual ones.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	rest := data
	for len(rest) > 0 {
		n, ok := FrameLength(rest)
		if !ok {
			break
		}
		frames = append(frames, bytes.Clone(rest[:n]))
		rest = rest[n:]
	}
	return frames
}
