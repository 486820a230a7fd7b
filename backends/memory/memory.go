// Package memory provides in-memory implementations of the stratum storage
// backends. It is intended for tests and development; nothing survives a
// process restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum/backends"
)

// Ensure Backend implements the storage contracts.
var (
	_ backends.EventStoreBackend = (*Backend)(nil)
	_ backends.SnapshotBackend   = (*Backend)(nil)
)

// Backend is a thread-safe in-memory event store.
type Backend struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	log       []backends.StoredEvent
	position  uint64
	snapshots map[string]*backends.SnapshotRecord
	closed    bool
}

type stream struct {
	aggregateType string
	version       int64
	events        []backends.StoredEvent
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		streams:   make(map[string]*stream),
		snapshots: make(map[string]*backends.SnapshotRecord),
	}
}

// Initialize is a no-op for the memory backend.
func (b *Backend) Initialize(ctx context.Context) error {
	return nil
}

// Append commits events to an aggregate's stream with the optimistic
// concurrency check.
func (b *Backend) Append(ctx context.Context, aggregateID, aggregateType string, events []backends.EventRecord, expectedVersion int64) ([]backends.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := backends.ValidateAppend(aggregateID, aggregateType, events, expectedVersion); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, backends.ErrBackendClosed
	}

	st, exists := b.streams[aggregateID]
	current := int64(0)
	if exists {
		current = st.version
	}

	if err := backends.CheckVersion(aggregateID, expectedVersion, current); err != nil {
		return nil, err
	}

	if !exists {
		st = &stream{aggregateType: aggregateType}
		b.streams[aggregateID] = st
	}

	now := time.Now()
	stored := make([]backends.StoredEvent, len(events))
	for i, ev := range events {
		b.position++
		current++
		stored[i] = backends.StoredEvent{
			EventID:        uuid.New().String(),
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			SequenceNumber: current,
			Type:           ev.Type,
			Payload:        ev.Payload,
			Metadata:       ev.Metadata.Clone(),
			GlobalPosition: b.position,
			OccurredAt:     now,
		}
	}

	st.events = append(st.events, stored...)
	st.version = current
	b.log = append(b.log, stored...)

	return stored, nil
}

// Read returns an aggregate's events with sequence numbers >= fromSequence.
func (b *Backend) Read(ctx context.Context, aggregateID string, fromSequence int64, limit int) ([]backends.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, backends.ErrBackendClosed
	}
	if aggregateID == "" {
		return nil, backends.ErrEmptyAggregateID
	}

	st, exists := b.streams[aggregateID]
	if !exists {
		return []backends.StoredEvent{}, nil
	}

	events := make([]backends.StoredEvent, 0)
	for _, ev := range st.events {
		if ev.SequenceNumber < fromSequence {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// ReadAll returns events in commit order with GlobalPosition > afterPosition.
func (b *Backend) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]backends.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, backends.ErrBackendClosed
	}

	events := make([]backends.StoredEvent, 0)
	for _, ev := range b.log {
		if ev.GlobalPosition <= afterPosition {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// Version returns the aggregate's current version and existence.
func (b *Backend) Version(ctx context.Context, aggregateID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, false, backends.ErrBackendClosed
	}

	st, exists := b.streams[aggregateID]
	if !exists {
		return 0, false, nil
	}
	return st.version, true, nil
}

// Head returns the global position of the most recent event.
func (b *Backend) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, backends.ErrBackendClosed
	}
	return b.position, nil
}

// SaveSnapshot stores a snapshot, replacing any earlier one.
func (b *Backend) SaveSnapshot(ctx context.Context, aggregateID string, version int64, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backends.ErrBackendClosed
	}

	cp := make([]byte, len(state))
	copy(cp, state)
	b.snapshots[aggregateID] = &backends.SnapshotRecord{
		AggregateID: aggregateID,
		Version:     version,
		State:       cp,
		TakenAt:     time.Now(),
	}
	return nil
}

// LoadSnapshot returns the latest snapshot, or (nil, nil) if none exists.
func (b *Backend) LoadSnapshot(ctx context.Context, aggregateID string) (*backends.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, backends.ErrBackendClosed
	}

	rec, ok := b.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// DeleteSnapshot removes the snapshot for an aggregate.
func (b *Backend) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backends.ErrBackendClosed
	}
	delete(b.snapshots, aggregateID)
	return nil
}

// Close marks the backend closed. Subsequent operations fail with
// ErrBackendClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
