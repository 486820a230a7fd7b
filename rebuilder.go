package stratum

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/stratumhq/stratum/backends"
)

// Rebuilder derives an aggregate's current state by folding its event stream
// through the pure transitions in its definition. Determinism of the fold is
// what allows state to be derived on demand instead of stored.
//
// An optional snapshot backend short-circuits long streams: the fold starts
// from the latest snapshot and replays only the tail. Snapshots are an
// optimization; the event stream remains authoritative, and a rebuild with
// snapshots must equal a rebuild from sequence 1.
type Rebuilder struct {
	store         *EventStore
	snapshots     backends.SnapshotBackend
	snapshotEvery int64
	logger        Logger
}

// RebuilderOption configures a Rebuilder.
type RebuilderOption func(*Rebuilder)

// WithSnapshots enables snapshotting: rebuilds start from the latest
// snapshot, and a fresh snapshot is stored whenever at least every events
// were folded past the previous one.
func WithSnapshots(backend backends.SnapshotBackend, every int64) RebuilderOption {
	return func(r *Rebuilder) {
		r.snapshots = backend
		if every > 0 {
			r.snapshotEvery = every
		}
	}
}

// WithRebuilderLogger sets the rebuilder logger.
func WithRebuilderLogger(l Logger) RebuilderOption {
	return func(r *Rebuilder) {
		r.logger = l
	}
}

// NewRebuilder creates a Rebuilder for the given event store.
func NewRebuilder(store *EventStore, opts ...RebuilderOption) *Rebuilder {
	r := &Rebuilder{
		store:         store,
		snapshotEvery: 100,
		logger:        noopLogger{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Rebuild loads the aggregate's stream and folds it into (state, version).
// Version is the sequence number of the last folded event. A never-created
// aggregate fails with ErrAggregateNotFound; an event type missing from the
// definition's transition table fails with ErrUnknownEventType.
func (r *Rebuilder) Rebuild(ctx context.Context, def *AggregateDefinition, aggregateID string) (interface{}, int64, error) {
	if err := def.Validate(); err != nil {
		return nil, 0, err
	}

	state := def.InitialState()
	fromSequence := int64(1)

	if r.snapshots != nil {
		snapState, snapVersion, err := r.loadSnapshot(ctx, def, aggregateID)
		if err != nil {
			r.logger.Warn("snapshot load failed, rebuilding from scratch",
				"aggregate_id", aggregateID, "error", err)
		} else if snapVersion > 0 {
			state = snapState
			fromSequence = snapVersion + 1
		}
	}

	stream, err := r.store.LoadStream(ctx, aggregateID, fromSequence)
	if err != nil {
		return nil, 0, err
	}

	state, version, err := r.Fold(ctx, def, state, fromSequence-1, stream)
	if err != nil {
		return nil, 0, err
	}

	if r.snapshots != nil && version-(fromSequence-1) >= r.snapshotEvery {
		if err := r.saveSnapshot(ctx, aggregateID, version, state); err != nil {
			r.logger.Warn("snapshot save failed",
				"aggregate_id", aggregateID, "version", version, "error", err)
		}
	}

	return state, version, nil
}

// Fold runs the pure fold over a stream, starting from the given state and
// version. It returns the final state and the sequence number of the last
// folded event (the starting version when the stream is empty).
func (r *Rebuilder) Fold(ctx context.Context, def *AggregateDefinition, state interface{}, version int64, stream *Stream) (interface{}, int64, error) {
	for stream.Next(ctx) {
		ev := stream.Event()

		fn, ok := def.Transitions[ev.Type]
		if !ok {
			return nil, 0, NewUnknownEventTypeError(def.Type, ev.Type)
		}

		next, err := fn(state, ev)
		if err != nil {
			return nil, 0, err
		}
		state = next
		version = ev.SequenceNumber
	}
	if err := stream.Err(); err != nil {
		return nil, 0, err
	}

	return state, version, nil
}

// loadSnapshot fetches and decodes the latest snapshot into the definition's
// state type. Returns version 0 when no snapshot exists.
func (r *Rebuilder) loadSnapshot(ctx context.Context, def *AggregateDefinition, aggregateID string) (interface{}, int64, error) {
	rec, err := r.snapshots.LoadSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, nil
	}

	initial := def.InitialState()
	if initial == nil {
		// Nothing to decode into; fall back to a full fold.
		return nil, 0, nil
	}

	t := reflect.TypeOf(initial)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(rec.State, ptr.Interface()); err != nil {
		return nil, 0, err
	}

	state := ptr.Elem().Interface()
	if reflect.TypeOf(initial).Kind() == reflect.Ptr {
		state = ptr.Interface()
	}
	return state, rec.Version, nil
}

func (r *Rebuilder) saveSnapshot(ctx context.Context, aggregateID string, version int64, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.snapshots.SaveSnapshot(ctx, aggregateID, version, data)
}
