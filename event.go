package stratum

import (
	"strconv"
	"time"

	"github.com/stratumhq/stratum/backends"
)

// Metadata carries contextual key-value pairs attached to events, such as
// correlation and causation identifiers.
type Metadata = backends.Metadata

// Well-known metadata keys.
const (
	// MetaCorrelationID links related events across services.
	MetaCorrelationID = "correlationId"

	// MetaCausationID identifies the command or event that caused this event.
	MetaCausationID = "causationId"
)

// NewMetadata creates metadata with the given correlation and causation IDs.
// Empty values are omitted.
func NewMetadata(correlationID, causationID string) Metadata {
	m := make(Metadata)
	if correlationID != "" {
		m[MetaCorrelationID] = correlationID
	}
	if causationID != "" {
		m[MetaCausationID] = causationID
	}
	return m
}

// Checkpoint is an opaque, monotonically increasing position in the global
// event commit order. The zero Checkpoint means "the beginning".
type Checkpoint uint64

// String renders the checkpoint as a decimal token.
func (c Checkpoint) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseCheckpoint parses a checkpoint token produced by String.
func ParseCheckpoint(s string) (Checkpoint, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Checkpoint(v), nil
}

// RecordedEvent is a committed event with its serialized payload.
type RecordedEvent struct {
	// EventID is the globally unique event identifier.
	EventID string

	// AggregateID identifies the aggregate this event belongs to.
	AggregateID string

	// AggregateType is the aggregate's type tag.
	AggregateType string

	// SequenceNumber is the 1-based, gapless position within the aggregate's
	// stream. It equals the aggregate's version immediately after this event
	// was committed.
	SequenceNumber int64

	// Type is the event type identifier.
	Type string

	// Payload is the serialized event payload.
	Payload []byte

	// Metadata contains contextual key-value pairs.
	Metadata Metadata

	// GlobalPosition is the commit-order position across all aggregates.
	GlobalPosition uint64

	// OccurredAt is when the event was committed.
	OccurredAt time.Time
}

// Checkpoint returns the checkpoint token covering this event: consuming
// events after it resumes with the next committed event.
func (e RecordedEvent) Checkpoint() Checkpoint {
	return Checkpoint(e.GlobalPosition)
}

// Event is a recorded event with its payload deserialized to a Go value.
// This is the representation handed to rebuild transitions and projection
// handlers.
type Event struct {
	RecordedEvent

	// Data is the deserialized event payload.
	Data interface{}
}

func recordedFromStored(s backends.StoredEvent) RecordedEvent {
	return RecordedEvent{
		EventID:        s.EventID,
		AggregateID:    s.AggregateID,
		AggregateType:  s.AggregateType,
		SequenceNumber: s.SequenceNumber,
		Type:           s.Type,
		Payload:        s.Payload,
		Metadata:       s.Metadata,
		GlobalPosition: s.GlobalPosition,
		OccurredAt:     s.OccurredAt,
	}
}

func recordedFromStoredAll(stored []backends.StoredEvent) []RecordedEvent {
	out := make([]RecordedEvent, len(stored))
	for i, s := range stored {
		out[i] = recordedFromStored(s)
	}
	return out
}
