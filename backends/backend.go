// Package backends defines the storage contracts implemented by stratum
// storage backends. The root package builds the event store, projector, and
// read-model machinery on top of these interfaces, so any backend that
// satisfies them plugs in without changes to application code.
package backends

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Expected-version values accepted by Append beyond exact versions.
const (
	// VersionAny skips the optimistic concurrency check entirely.
	VersionAny int64 = -1
)

// Sentinel errors shared by all backends. Implementations must return these
// (or errors matching them via errors.Is) so callers can handle failures
// uniformly regardless of the storage engine.
var (
	// ErrConcurrencyConflict is returned when the optimistic version check fails.
	ErrConcurrencyConflict = errors.New("stratum: concurrency conflict")

	// ErrAggregateNotFound is returned when an aggregate has no events.
	ErrAggregateNotFound = errors.New("stratum: aggregate not found")

	// ErrEmptyAggregateID is returned when a blank aggregate ID is provided.
	ErrEmptyAggregateID = errors.New("stratum: aggregate ID is required")

	// ErrEmptyAggregateType is returned when a blank aggregate type is provided.
	ErrEmptyAggregateType = errors.New("stratum: aggregate type is required")

	// ErrNoEvents is returned when attempting to append an empty batch.
	ErrNoEvents = errors.New("stratum: no events to append")

	// ErrInvalidVersion is returned for expected versions below VersionAny.
	ErrInvalidVersion = errors.New("stratum: invalid expected version")

	// ErrBackendClosed is returned for operations on a closed backend.
	ErrBackendClosed = errors.New("stratum: backend is closed")
)

// Metadata carries contextual key-value pairs attached to an event, such as
// correlation and causation identifiers. Keys are application-defined.
type Metadata map[string]string

// Clone returns a copy of the metadata. A nil receiver yields nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventRecord is an event to be appended, before sequence assignment.
type EventRecord struct {
	// Type is the event type identifier (e.g., "OrderPlaced").
	Type string

	// Payload is the serialized event payload.
	Payload []byte

	// Metadata contains optional contextual key-value pairs.
	Metadata Metadata
}

// StoredEvent is a committed event with its assigned positions.
type StoredEvent struct {
	// EventID is the globally unique event identifier.
	EventID string

	// AggregateID identifies the aggregate this event belongs to.
	AggregateID string

	// AggregateType is the aggregate's type tag.
	AggregateType string

	// SequenceNumber is the position within the aggregate's stream (1-based,
	// gapless). It equals the aggregate's version immediately after commit.
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

// EventStoreBackend is the append-only event log contract.
type EventStoreBackend interface {
	// Append commits events to an aggregate's stream atomically, assigning
	// sequence numbers expectedVersion+1..expectedVersion+len(events).
	// expectedVersion must equal the aggregate's current version (0 for a new
	// aggregate) or be VersionAny to skip the check. Returns
	// ErrConcurrencyConflict on a version mismatch; either all events in the
	// batch are committed or none are.
	Append(ctx context.Context, aggregateID, aggregateType string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Read returns up to limit events for one aggregate with sequence numbers
	// >= fromSequence, in sequence order. A limit <= 0 means no limit.
	// Reading an unknown aggregate yields an empty slice, not an error;
	// distinguishing "never created" is the caller's concern via Version.
	Read(ctx context.Context, aggregateID string, fromSequence int64, limit int) ([]StoredEvent, error)

	// ReadAll returns up to limit events with GlobalPosition > afterPosition,
	// in commit order across all aggregates.
	ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]StoredEvent, error)

	// Version returns the aggregate's current version and whether the
	// aggregate exists (has at least one committed event).
	Version(ctx context.Context, aggregateID string) (int64, bool, error)

	// Head returns the global position of the most recently committed event,
	// or 0 when the store is empty.
	Head(ctx context.Context) (uint64, error)

	// Initialize prepares the backing storage (schema creation and the like).
	Initialize(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// CheckpointBackend persists consumer positions in the global event order.
// Checkpoints survive process restarts; a missing checkpoint means the
// consumer starts from the beginning.
type CheckpointBackend interface {
	// Get returns the stored position for a consumer, or 0 if none exists.
	Get(ctx context.Context, consumer string) (uint64, error)

	// Set stores the position for a consumer.
	Set(ctx context.Context, consumer string, position uint64) error

	// Delete removes the checkpoint for a consumer.
	Delete(ctx context.Context, consumer string) error

	// All returns the stored positions for every consumer.
	All(ctx context.Context) (map[string]uint64, error)
}

// SnapshotRecord is a stored aggregate state snapshot.
type SnapshotRecord struct {
	// AggregateID identifies the snapshotted aggregate.
	AggregateID string

	// Version is the aggregate version the snapshot was taken at.
	Version int64

	// State is the serialized aggregate state.
	State []byte

	// TakenAt is when the snapshot was stored.
	TakenAt time.Time
}

// SnapshotBackend stores aggregate snapshots. Snapshots are purely an
// optimization; the event stream remains the source of truth.
type SnapshotBackend interface {
	// SaveSnapshot stores a snapshot, replacing any earlier one.
	SaveSnapshot(ctx context.Context, aggregateID string, version int64, state []byte) error

	// LoadSnapshot returns the latest snapshot, or (nil, nil) if none exists.
	LoadSnapshot(ctx context.Context, aggregateID string) (*SnapshotRecord, error)

	// DeleteSnapshot removes the snapshot for an aggregate.
	DeleteSnapshot(ctx context.Context, aggregateID string) error
}

// ReadModelBackend stores denormalized projection records with a per-record,
// per-aggregate sequence guard. Records are scoped by projection name so
// multiple projections can share one backend without guard collisions.
type ReadModelBackend interface {
	// Apply runs mutate against the record at (projection, key) only when
	// sequence is greater than the record's last applied sequence for
	// aggregateID. Returns true when the mutation was applied, false when the
	// event had already been applied (a safe no-op). mutate receives the
	// current record bytes (nil for a fresh record) and returns the new bytes.
	Apply(ctx context.Context, projection, key, aggregateID string, sequence int64, mutate func(current []byte) ([]byte, error)) (bool, error)

	// Get returns the record bytes at (projection, key).
	// Returns ErrRecordNotFound if no record exists.
	Get(ctx context.Context, projection, key string) ([]byte, error)

	// Delete removes the record at (projection, key).
	Delete(ctx context.Context, projection, key string) error

	// Purge removes every record belonging to a projection, typically before
	// a full reprojection.
	Purge(ctx context.Context, projection string) error
}

// ErrRecordNotFound is returned by ReadModelBackend.Get for missing records.
var ErrRecordNotFound = errors.New("stratum: read model record not found")

// ConflictError reports an optimistic concurrency failure with the versions
// involved. It matches ErrConcurrencyConflict via errors.Is.
type ConflictError struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

// Error returns the error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("stratum: concurrency conflict on aggregate %q: expected version %d, actual version %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether this error matches the target error.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Unwrap returns the underlying sentinel for errors.Unwrap.
func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// NewConflictError creates a ConflictError.
func NewConflictError(aggregateID string, expected, actual int64) *ConflictError {
	return &ConflictError{
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// ValidateAppend checks the structural validity of an append request.
// Backends call this before touching storage so malformed requests fail the
// same way everywhere.
func ValidateAppend(aggregateID, aggregateType string, events []EventRecord, expectedVersion int64) error {
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if aggregateType == "" {
		return ErrEmptyAggregateType
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	if expectedVersion < VersionAny {
		return ErrInvalidVersion
	}
	for _, ev := range events {
		if ev.Type == "" {
			return fmt.Errorf("stratum: event type is required: %w", ErrInvalidEventRecord)
		}
	}
	return nil
}

// ErrInvalidEventRecord is returned when an event record is malformed.
var ErrInvalidEventRecord = errors.New("stratum: invalid event record")

// CheckVersion applies the optimistic concurrency rule shared by backends:
// VersionAny always passes, otherwise expected must equal current.
func CheckVersion(aggregateID string, expected, current int64) error {
	if expected == VersionAny {
		return nil
	}
	if expected != current {
		return NewConflictError(aggregateID, expected, current)
	}
	return nil
}
