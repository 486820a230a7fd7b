package stratum

import (
	"context"
	"time"
)

// ProjectionHandler applies one event to a projection's read model. Handlers
// run under at-least-once delivery: the same event may be redelivered after a
// crash, so every write must go through a sequence-guarded read-model store
// (see ReadModel.Update) or be otherwise idempotent.
type ProjectionHandler func(ctx context.Context, ev Event) error

// Projection maintains one denormalized read model from the event stream.
// Handlers form a registration table keyed by event type; event types absent
// from the table are skipped, not failed — a projection only reacts to the
// events it cares about, unlike a rebuild fold which must account for every
// type.
type Projection interface {
	// Name uniquely identifies the projection. It keys the persisted
	// checkpoint and scopes read-model records.
	Name() string

	// Handlers returns the event-type-to-handler table.
	Handlers() map[string]ProjectionHandler
}

// ProjectionFunc is a table-backed Projection for projections that don't need
// their own type.
type ProjectionFunc struct {
	name     string
	handlers map[string]ProjectionHandler
}

// NewProjection creates a table-backed projection. Add handlers with On.
func NewProjection(name string) *ProjectionFunc {
	return &ProjectionFunc{
		name:     name,
		handlers: make(map[string]ProjectionHandler),
	}
}

// On registers the handler for an event type and returns the projection for
// chaining.
func (p *ProjectionFunc) On(eventType string, fn ProjectionHandler) *ProjectionFunc {
	p.handlers[eventType] = fn
	return p
}

// Name returns the projection name.
func (p *ProjectionFunc) Name() string {
	return p.name
}

// Handlers returns the handler table.
func (p *ProjectionFunc) Handlers() map[string]ProjectionHandler {
	return p.handlers
}

// CheckpointStore persists a consumer's position in the global event order.
// Positions must survive process restarts; backends provide implementations.
type CheckpointStore interface {
	// Get returns the stored position for a consumer, or 0 if none exists.
	Get(ctx context.Context, consumer string) (uint64, error)

	// Set stores the position for a consumer.
	Set(ctx context.Context, consumer string, position uint64) error

	// Delete removes the checkpoint for a consumer.
	Delete(ctx context.Context, consumer string) error

	// All returns the stored positions for every consumer.
	All(ctx context.Context) (map[string]uint64, error)
}

// ProjectorState is the lifecycle state of a running projector.
type ProjectorState string

const (
	// StateNotStarted means the projector has not been run.
	StateNotStarted ProjectorState = "not_started"

	// StateCatchingUp means the projector is replaying events committed
	// before it started.
	StateCatchingUp ProjectorState = "catching_up"

	// StateLive means the projector has caught up as of its last poll and is
	// tailing new commits. Live is about position, not freshness: the
	// projector may still lag behind writers between polls.
	StateLive ProjectorState = "live"

	// StateStopped means the projector's Run has returned.
	StateStopped ProjectorState = "stopped"
)

// ProjectorStatus is a snapshot of a projector's progress.
type ProjectorStatus struct {
	// Name is the projection name.
	Name string

	// State is the current lifecycle state.
	State ProjectorState

	// Checkpoint is the last persisted position.
	Checkpoint Checkpoint

	// EventsApplied counts events applied since Run started.
	EventsApplied uint64

	// LastAppliedAt is when the last batch was applied.
	LastAppliedAt time.Time

	// LastError is the most recent batch failure, empty after recovery.
	LastError string
}

// ProjectionMetrics receives projection processing measurements. The
// middleware/metrics package provides a Prometheus implementation.
type ProjectionMetrics interface {
	// ObserveBatch records an applied (or failed) batch.
	ObserveBatch(projection string, events int, duration time.Duration, err error)

	// ObserveCheckpoint records a persisted checkpoint position.
	ObserveCheckpoint(projection string, position uint64)
}

// noopProjectionMetrics discards all measurements.
type noopProjectionMetrics struct{}

func (noopProjectionMetrics) ObserveBatch(projection string, events int, duration time.Duration, err error) {
}
func (noopProjectionMetrics) ObserveCheckpoint(projection string, position uint64) {}
