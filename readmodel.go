package stratum

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratumhq/stratum/backends"
)

// ErrRecordNotFound is returned when a read-model record does not exist.
var ErrRecordNotFound = backends.ErrRecordNotFound

// ReadModelStore is the guarded upsert target projections write to.
// backends provide implementations; records are scoped by projection name so
// projections sharing one store cannot collide on guards or keys.
type ReadModelStore interface {
	// Apply runs mutate against the record at (projection, key) only when
	// sequence exceeds the record's last applied sequence for aggregateID;
	// otherwise it is a no-op returning false.
	Apply(ctx context.Context, projection, key, aggregateID string, sequence int64, mutate func(current []byte) ([]byte, error)) (bool, error)

	// Get returns the record bytes at (projection, key), or ErrRecordNotFound.
	Get(ctx context.Context, projection, key string) ([]byte, error)

	// Delete removes the record at (projection, key).
	Delete(ctx context.Context, projection, key string) error

	// Purge removes every record belonging to a projection.
	Purge(ctx context.Context, projection string) error
}

// ReadModel is a typed view over a ReadModelStore for one projection's
// records. Records are JSON-encoded values of T; every mutation goes through
// the store's per-aggregate sequence guard, which is what makes reprocessing
// an already-applied event leave the record byte-for-byte unchanged.
type ReadModel[T any] struct {
	store      ReadModelStore
	projection string
}

// NewReadModel creates a typed read model scoped to a projection name.
func NewReadModel[T any](store ReadModelStore, projection string) *ReadModel[T] {
	return &ReadModel[T]{
		store:      store,
		projection: projection,
	}
}

// Projection returns the projection name scoping this read model.
func (m *ReadModel[T]) Projection() string {
	return m.projection
}

// Update mutates the record at key in response to ev, guarded by the event's
// aggregate ID and sequence number. mutate receives the current record (zero
// value for a fresh one). Returns false when ev had already been applied.
func (m *ReadModel[T]) Update(ctx context.Context, key string, ev Event, mutate func(*T)) (bool, error) {
	return m.Apply(ctx, key, ev.AggregateID, ev.SequenceNumber, mutate)
}

// Apply is Update with an explicit guard: the mutation runs only when
// sequence exceeds the record's last applied sequence for aggregateID.
func (m *ReadModel[T]) Apply(ctx context.Context, key, aggregateID string, sequence int64, mutate func(*T)) (bool, error) {
	return m.store.Apply(ctx, m.projection, key, aggregateID, sequence, func(current []byte) ([]byte, error) {
		var record T
		if current != nil {
			if err := json.Unmarshal(current, &record); err != nil {
				return nil, fmt.Errorf("stratum: failed to decode read model record %q: %w", key, err)
			}
		}
		mutate(&record)
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("stratum: failed to encode read model record %q: %w", key, err)
		}
		return data, nil
	})
}

// Get returns the record at key, or ErrRecordNotFound.
func (m *ReadModel[T]) Get(ctx context.Context, key string) (*T, error) {
	data, err := m.store.Get(ctx, m.projection, key)
	if err != nil {
		return nil, err
	}
	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("stratum: failed to decode read model record %q: %w", key, err)
	}
	return &record, nil
}

// Delete removes the record at key.
func (m *ReadModel[T]) Delete(ctx context.Context, key string) error {
	return m.store.Delete(ctx, m.projection, key)
}

// Purge drops every record of this projection, typically before a full
// reprojection from the beginning of the event stream.
func (m *ReadModel[T]) Purge(ctx context.Context) error {
	return m.store.Purge(ctx, m.projection)
}
