package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stratumhq/stratum/backends"
)

var _ backends.ReadModelBackend = (*ReadModelStore)(nil)

// ReadModelStore persists projection output in PostgreSQL. Each record keeps
// per-aggregate apply guards in a side table so redelivered events mutate
// nothing.
type ReadModelStore struct {
	db     *sql.DB
	schema string
}

// NewReadModelStore creates a read model store sharing the backend's pool
// and schema.
func NewReadModelStore(b *Backend) *ReadModelStore {
	return &ReadModelStore{db: b.db, schema: b.schema}
}

// Apply runs mutate against the stored record inside a transaction, holding
// a row lock on the record. When the event's sequence number is at or below
// the guard for its aggregate the mutation is skipped and Apply returns
// false.
func (s *ReadModelStore) Apply(ctx context.Context, projection, key, aggregateID string, sequence int64, mutate func(data []byte) ([]byte, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("stratum/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s.read_models
		WHERE projection = $1 AND key = $2
		FOR UPDATE`, s.schema), projection, key).Scan(&data)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("stratum/postgres: failed to read record: %w", err)
	}

	var lastApplied int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT last_sequence FROM %s.read_model_guards
		WHERE projection = $1 AND key = $2 AND aggregate_id = $3`, s.schema),
		projection, key, aggregateID).Scan(&lastApplied)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("stratum/postgres: failed to read apply guard: %w", err)
	}

	if sequence <= lastApplied {
		return false, tx.Commit()
	}

	updated, err := mutate(data)
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.read_models (projection, key, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (projection, key) DO UPDATE
		SET data = EXCLUDED.data, updated_at = NOW()`, s.schema),
		projection, key, updated)
	if err != nil {
		return false, fmt.Errorf("stratum/postgres: failed to store record: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.read_model_guards (projection, key, aggregate_id, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection, key, aggregate_id) DO UPDATE
		SET last_sequence = EXCLUDED.last_sequence`, s.schema),
		projection, key, aggregateID, sequence)
	if err != nil {
		return false, fmt.Errorf("stratum/postgres: failed to store apply guard: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("stratum/postgres: failed to commit transaction: %w", err)
	}
	return true, nil
}

// Get returns the stored record for a projection key.
func (s *ReadModelStore) Get(ctx context.Context, projection, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s.read_models
		WHERE projection = $1 AND key = $2`, s.schema), projection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backends.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stratum/postgres: failed to read record: %w", err)
	}
	return data, nil
}

// Delete removes a record and its apply guards.
func (s *ReadModelStore) Delete(ctx context.Context, projection, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.read_models WHERE projection = $1 AND key = $2`, s.schema),
		projection, key)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to delete record: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.read_model_guards WHERE projection = $1 AND key = $2`, s.schema),
		projection, key)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to delete apply guards: %w", err)
	}

	return tx.Commit()
}

// Purge removes every record belonging to a projection. Used before a
// projection rebuild.
func (s *ReadModelStore) Purge(ctx context.Context, projection string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.read_models WHERE projection = $1`, s.schema), projection)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to purge records: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.read_model_guards WHERE projection = $1`, s.schema), projection)
	if err != nil {
		return fmt.Errorf("stratum/postgres: failed to purge apply guards: %w", err)
	}

	return tx.Commit()
}
