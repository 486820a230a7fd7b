package stratum

import (
	"context"
	"fmt"

	"github.com/stratumhq/stratum/backends"
)

// defaultPageSize is the number of events fetched per page by Stream and the
// global feed when the caller does not override it.
const defaultPageSize = 256

// EventStore is the entry point for event sourcing operations: appending
// event batches with optimistic concurrency, reading per-aggregate streams,
// and tailing the global commit order.
type EventStore struct {
	backend    backends.EventStoreBackend
	serializer Serializer
	logger     Logger
	pageSize   int
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom payload serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets the event store logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// WithPageSize sets the page size used by stream cursors and the global feed.
func WithPageSize(n int) Option {
	return func(es *EventStore) {
		if n > 0 {
			es.pageSize = n
		}
	}
}

// New creates an EventStore on top of a storage backend.
func New(backend backends.EventStoreBackend, opts ...Option) *EventStore {
	es := &EventStore{
		backend:    backend,
		serializer: NewJSONSerializer(),
		logger:     noopLogger{},
		pageSize:   defaultPageSize,
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Backend returns the underlying storage backend.
func (s *EventStore) Backend() backends.EventStoreBackend {
	return s.backend
}

// RegisterEvents registers payload types with the serializer under their
// struct names, which is required to decode stored events back to Go values.
func (s *EventStore) RegisterEvents(events ...interface{}) {
	type registrar interface {
		RegisterAll(examples ...interface{})
	}
	if r, ok := s.serializer.(registrar); ok {
		r.RegisterAll(events...)
	}
}

// AppendOption configures an append operation.
type AppendOption func(*appendConfig)

type appendConfig struct {
	metadata Metadata
}

// WithAppendMetadata attaches metadata to every event in the batch.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// Append serializes the payloads and commits them to the aggregate's stream
// as one atomic batch, assigning sequence numbers
// expectedVersion+1..expectedVersion+len(payloads).
//
// expectedVersion must equal the aggregate's current version (VersionNew for
// a creation), or be VersionAny to skip the check. A mismatch fails with
// ErrConcurrencyConflict and commits nothing.
func (s *EventStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, payloads []interface{}, opts ...AppendOption) ([]RecordedEvent, error) {
	if len(payloads) == 0 {
		return nil, ErrNoEvents
	}

	config := &appendConfig{}
	for _, opt := range opts {
		opt(config)
	}

	records := make([]backends.EventRecord, len(payloads))
	for i, payload := range payloads {
		eventType := EventTypeOf(payload)
		if eventType == "" {
			return nil, NewSerializationError("", "serialize", fmt.Errorf("cannot determine event type of %T", payload))
		}
		data, err := s.serializer.Serialize(payload)
		if err != nil {
			return nil, err
		}
		records[i] = backends.EventRecord{
			Type:     eventType,
			Payload:  data,
			Metadata: config.metadata.Clone(),
		}
	}

	stored, err := s.backend.Append(ctx, aggregateID, aggregateType, records, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("appended events",
		"aggregate_id", aggregateID,
		"aggregate_type", aggregateType,
		"count", len(stored),
		"version", stored[len(stored)-1].SequenceNumber,
	)

	return recordedFromStoredAll(stored), nil
}

// LoadStream opens a lazy cursor over one aggregate's events with sequence
// numbers >= fromSequence. Events are paged from the backend on demand; the
// cursor is restartable by calling LoadStream again from any sequence number.
//
// Requesting fromSequence <= 1 on an aggregate that was never created fails
// with ErrAggregateNotFound. Reading past the end of an existing aggregate
// yields an empty cursor, not an error.
func (s *EventStore) LoadStream(ctx context.Context, aggregateID string, fromSequence int64) (*Stream, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if fromSequence < 1 {
		fromSequence = 1
	}

	if fromSequence == 1 {
		_, exists, err := s.backend.Version(ctx, aggregateID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, NewAggregateNotFoundError(aggregateID)
		}
	}

	return &Stream{
		store:       s,
		aggregateID: aggregateID,
		next:        fromSequence,
	}, nil
}

// Version returns the aggregate's current version. A never-created aggregate
// has version 0; exists reports whether it has any committed events.
func (s *EventStore) Version(ctx context.Context, aggregateID string) (version int64, exists bool, err error) {
	if aggregateID == "" {
		return 0, false, ErrEmptyAggregateID
	}
	return s.backend.Version(ctx, aggregateID)
}

// EventsSince returns the next page of events in global commit order after
// the given checkpoint, up to the store's page size. An empty slice means the
// feed is exhausted as of now. Each returned event's Checkpoint method yields
// the token to resume from.
func (s *EventStore) EventsSince(ctx context.Context, after Checkpoint) ([]RecordedEvent, error) {
	stored, err := s.backend.ReadAll(ctx, uint64(after), s.pageSize)
	if err != nil {
		return nil, err
	}
	return recordedFromStoredAll(stored), nil
}

// Head returns the checkpoint of the most recently committed event, or zero
// for an empty store.
func (s *EventStore) Head(ctx context.Context) (Checkpoint, error) {
	pos, err := s.backend.Head(ctx)
	if err != nil {
		return 0, err
	}
	return Checkpoint(pos), nil
}

// Decode deserializes a recorded event's payload using the store's
// serializer.
func (s *EventStore) Decode(rec RecordedEvent) (Event, error) {
	data, err := s.serializer.Deserialize(rec.Payload, rec.Type)
	if err != nil {
		return Event{}, err
	}
	return Event{RecordedEvent: rec, Data: data}, nil
}

// Initialize prepares the backing storage.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.backend.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.backend.Close()
}

// Stream is a lazy, finite, ordered cursor over one aggregate's events.
// Usage follows the sql.Rows pattern:
//
//	stream, err := store.LoadStream(ctx, id, 1)
//	for stream.Next(ctx) {
//	    ev := stream.Event()
//	    ...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	store       *EventStore
	aggregateID string
	next        int64

	page    []RecordedEvent
	idx     int
	current Event
	done    bool
	err     error
}

// Next advances the cursor, fetching the next page from the backend when the
// buffered one is exhausted. It returns false at the end of the stream or on
// error; check Err afterwards.
func (st *Stream) Next(ctx context.Context) bool {
	if st.err != nil || st.done {
		return false
	}

	if st.idx >= len(st.page) {
		page, err := st.store.backend.Read(ctx, st.aggregateID, st.next, st.store.pageSize)
		if err != nil {
			st.err = err
			return false
		}
		if len(page) == 0 {
			st.done = true
			return false
		}
		st.page = recordedFromStoredAll(page)
		st.idx = 0
		st.next = st.page[len(st.page)-1].SequenceNumber + 1
	}

	rec := st.page[st.idx]
	st.idx++

	ev, err := st.store.Decode(rec)
	if err != nil {
		st.err = err
		return false
	}
	st.current = ev
	return true
}

// Event returns the event at the cursor's current position. Only valid after
// a true Next.
func (st *Stream) Event() Event {
	return st.current
}

// Err returns the error that terminated iteration, if any.
func (st *Stream) Err() error {
	return st.err
}
