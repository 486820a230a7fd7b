// Package postgres provides the PostgreSQL implementation of the stratum
// storage backends, using database/sql with the pgx driver.
//
// The append path takes a row lock on the aggregate's version row
// (SELECT ... FOR UPDATE) so the version check and the batch insert commit
// atomically; a UNIQUE (aggregate_id, sequence_number) index backstops the
// gapless-sequence invariant at the storage level.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stratumhq/stratum/backends"
)

// Ensure Backend implements the storage contracts.
var (
	_ backends.EventStoreBackend = (*Backend)(nil)
	_ backends.CheckpointBackend = (*Backend)(nil)
	_ backends.SnapshotBackend   = (*Backend)(nil)
)

// Backend is the PostgreSQL event store backend. It also implements the
// checkpoint and snapshot contracts against tables in the same schema.
type Backend struct {
	db     *sql.DB
	schema string
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithSchema sets the PostgreSQL schema name. Default "stratum".
func WithSchema(schema string) Option {
	return func(b *Backend) {
		b.schema = schema
	}
}

// WithMaxOpenConns caps the connection pool size.
func WithMaxOpenConns(n int) Option {
	return func(b *Backend) {
		b.db.SetMaxOpenConns(n)
	}
}

// WithConnMaxLifetime bounds connection reuse.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(b *Backend) {
		b.db.SetConnMaxLifetime(d)
	}
}

// New opens a connection pool and creates a Backend.
func New(connStr string, opts ...Option) (*Backend, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to open database: %w", err)
	}
	return NewWithDB(db, opts...), nil
}

// NewWithDB creates a Backend over an existing connection pool.
func NewWithDB(db *sql.DB, opts ...Option) *Backend {
	b := &Backend{
		db:     db,
		schema: "stratum",
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// DB returns the underlying connection pool.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Initialize creates the schema and tables.
func (b *Backend) Initialize(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, b.schema),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.aggregates (
				aggregate_id   VARCHAR(500) PRIMARY KEY,
				aggregate_type VARCHAR(250) NOT NULL,
				version        BIGINT NOT NULL DEFAULT 0,
				created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.schema),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.events (
				global_position BIGSERIAL PRIMARY KEY,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				aggregate_id    VARCHAR(500) NOT NULL,
				aggregate_type  VARCHAR(250) NOT NULL,
				sequence_number BIGINT NOT NULL,
				event_type      VARCHAR(500) NOT NULL,
				payload         BYTEA NOT NULL,
				metadata        JSONB,
				occurred_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (aggregate_id, sequence_number)
			)`, b.schema),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_aggregate
			ON %s.events (aggregate_id, sequence_number)`, b.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_type
			ON %s.events (event_type)`, b.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_aggregates_type
			ON %s.aggregates (aggregate_type)`, b.schema),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.checkpoints (
				consumer   VARCHAR(500) PRIMARY KEY,
				position   BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.schema),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.snapshots (
				aggregate_id VARCHAR(500) PRIMARY KEY,
				version      BIGINT NOT NULL,
				state        BYTEA NOT NULL,
				taken_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.schema),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.read_models (
				projection VARCHAR(500) NOT NULL,
				key        VARCHAR(500) NOT NULL,
				data       BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (projection, key)
			)`, b.schema),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.read_model_guards (
				projection    VARCHAR(500) NOT NULL,
				key           VARCHAR(500) NOT NULL,
				aggregate_id  VARCHAR(500) NOT NULL,
				last_sequence BIGINT NOT NULL,
				PRIMARY KEY (projection, key, aggregate_id)
			)`, b.schema),
	}

	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stratum/postgres: failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Append commits events to an aggregate's stream in one transaction, holding
// a row lock on the aggregate for the version check.
func (b *Backend) Append(ctx context.Context, aggregateID, aggregateType string, events []backends.EventRecord, expectedVersion int64) ([]backends.StoredEvent, error) {
	if b.closed {
		return nil, backends.ErrBackendClosed
	}
	if err := backends.ValidateAppend(aggregateID, aggregateType, events, expectedVersion); err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	exists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s.aggregates
		WHERE aggregate_id = $1
		FOR UPDATE`, b.schema), aggregateID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		current = 0
	} else if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to read aggregate version: %w", err)
	}

	if err := backends.CheckVersion(aggregateID, expectedVersion, current); err != nil {
		return nil, err
	}

	if !exists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.aggregates (aggregate_id, aggregate_type, version)
			VALUES ($1, $2, 0)`, b.schema), aggregateID, aggregateType)
		if err != nil {
			return nil, fmt.Errorf("stratum/postgres: failed to create aggregate: %w", err)
		}
	}

	stored := make([]backends.StoredEvent, len(events))
	for i, ev := range events {
		current++

		var metadataJSON []byte
		if ev.Metadata != nil {
			metadataJSON, err = json.Marshal(ev.Metadata)
			if err != nil {
				return nil, fmt.Errorf("stratum/postgres: failed to marshal metadata: %w", err)
			}
		}

		var (
			position   uint64
			eventID    string
			occurredAt time.Time
		)
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.events (aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING global_position, event_id, occurred_at`, b.schema),
			aggregateID, aggregateType, current, ev.Type, ev.Payload, metadataJSON,
		).Scan(&position, &eventID, &occurredAt)
		if err != nil {
			return nil, fmt.Errorf("stratum/postgres: failed to insert event: %w", err)
		}

		stored[i] = backends.StoredEvent{
			EventID:        eventID,
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			SequenceNumber: current,
			Type:           ev.Type,
			Payload:        ev.Payload,
			Metadata:       ev.Metadata,
			GlobalPosition: position,
			OccurredAt:     occurredAt,
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.aggregates
		SET version = $1, updated_at = NOW()
		WHERE aggregate_id = $2`, b.schema), current, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to update aggregate version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to commit transaction: %w", err)
	}

	return stored, nil
}

// Read returns an aggregate's events with sequence numbers >= fromSequence.
func (b *Backend) Read(ctx context.Context, aggregateID string, fromSequence int64, limit int) ([]backends.StoredEvent, error) {
	if b.closed {
		return nil, backends.ErrBackendClosed
	}
	if aggregateID == "" {
		return nil, backends.ErrEmptyAggregateID
	}

	query := fmt.Sprintf(`
		SELECT global_position, event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, occurred_at
		FROM %s.events
		WHERE aggregate_id = $1 AND sequence_number >= $2
		ORDER BY sequence_number`, b.schema)
	args := []interface{}{aggregateID, fromSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to read stream: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadAll returns events in commit order with GlobalPosition > afterPosition.
func (b *Backend) ReadAll(ctx context.Context, afterPosition uint64, limit int) ([]backends.StoredEvent, error) {
	if b.closed {
		return nil, backends.ErrBackendClosed
	}

	query := fmt.Sprintf(`
		SELECT global_position, event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, occurred_at
		FROM %s.events
		WHERE global_position > $1
		ORDER BY global_position`, b.schema)
	args := []interface{}{afterPosition}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to read global feed: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Version returns the aggregate's current version and existence.
func (b *Backend) Version(ctx context.Context, aggregateID string) (int64, bool, error) {
	if b.closed {
		return 0, false, backends.ErrBackendClosed
	}
	if aggregateID == "" {
		return 0, false, backends.ErrEmptyAggregateID
	}

	var version int64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s.aggregates
		WHERE aggregate_id = $1`, b.schema), aggregateID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stratum/postgres: failed to read aggregate version: %w", err)
	}
	return version, true, nil
}

// Head returns the global position of the most recent event.
func (b *Backend) Head(ctx context.Context) (uint64, error) {
	if b.closed {
		return 0, backends.ErrBackendClosed
	}

	var head sql.NullInt64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(global_position) FROM %s.events`, b.schema)).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("stratum/postgres: failed to read head position: %w", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

// Get returns the stored position for a consumer, or 0 if none exists.
func (b *Backend) Get(ctx context.Context, consumer string) (uint64, error) {
	if b.closed {
		return 0, backends.ErrBackendClosed
	}

	var position uint64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT position FROM %s.checkpoints
		WHERE consumer = $1`, b.schema), consumer).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stratum/postgres: failed to read checkpoint: %w", err)
	}
	return position, nil
}

// Set stores the position for a consumer.
func (b *Backend) Set(ctx context.Context, consumer string, position uint64) error {
	if b.closed {
		return backends.ErrBackendClosed
	}

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.checkpoints (consumer, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (consumer) DO UPDATE
		SET position = EXCLUDED.position, updated_at = NOW()`, b.schema),
		consumer, position)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to store checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint for a consumer.
func (b *Backend) Delete(ctx context.Context, consumer string) error {
	if b.closed {
		return backends.ErrBackendClosed
	}

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.checkpoints WHERE consumer = $1`, b.schema), consumer)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to delete checkpoint: %w", err)
	}
	return nil
}

// All returns the stored positions for every consumer.
func (b *Backend) All(ctx context.Context) (map[string]uint64, error) {
	if b.closed {
		return nil, backends.ErrBackendClosed
	}

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT consumer, position FROM %s.checkpoints`, b.schema))
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			consumer string
			position uint64
		)
		if err := rows.Scan(&consumer, &position); err != nil {
			return nil, fmt.Errorf("stratum/postgres: failed to scan checkpoint: %w", err)
		}
		out[consumer] = position
	}
	return out, rows.Err()
}

// SaveSnapshot stores a snapshot, replacing any earlier one.
func (b *Backend) SaveSnapshot(ctx context.Context, aggregateID string, version int64, state []byte) error {
	if b.closed {
		return backends.ErrBackendClosed
	}

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.snapshots (aggregate_id, version, state, taken_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, taken_at = NOW()`, b.schema),
		aggregateID, version, state)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot, or (nil, nil) if none exists.
func (b *Backend) LoadSnapshot(ctx context.Context, aggregateID string) (*backends.SnapshotRecord, error) {
	if b.closed {
		return nil, backends.ErrBackendClosed
	}

	rec := &backends.SnapshotRecord{AggregateID: aggregateID}
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version, state, taken_at FROM %s.snapshots
		WHERE aggregate_id = $1`, b.schema), aggregateID).Scan(&rec.Version, &rec.State, &rec.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to load snapshot: %w", err)
	}
	return rec, nil
}

// DeleteSnapshot removes the snapshot for an aggregate.
func (b *Backend) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if b.closed {
		return backends.ErrBackendClosed
	}

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.snapshots WHERE aggregate_id = $1`, b.schema), aggregateID)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to delete snapshot: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	b.closed = true
	return b.db.Close()
}

func scanEvents(rows *sql.Rows) ([]backends.StoredEvent, error) {
	events := make([]backends.StoredEvent, 0)
	for rows.Next() {
		var (
			ev           backends.StoredEvent
			metadataJSON []byte
		)
		err := rows.Scan(
			&ev.GlobalPosition,
			&ev.EventID,
			&ev.AggregateID,
			&ev.AggregateType,
			&ev.SequenceNumber,
			&ev.Type,
			&ev.Payload,
			&metadataJSON,
			&ev.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("stratum/postgres: failed to scan event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("stratum/postgres: failed to unmarshal metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stratum/postgres: error iterating events: %w", err)
	}
	return events, nil
}
