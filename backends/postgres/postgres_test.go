package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/backends"
)

// getTestDB returns a database connection for testing.
// Set TEST_DATABASE_URL environment variable to run integration tests.
func getTestDB(t *testing.T) *sql.DB {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)

	return db
}

// cleanupSchema drops the test schema.
func cleanupSchema(t *testing.T, db *sql.DB, schema string) {
	_, err := db.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	require.NoError(t, err)
}

func newTestBackend(t *testing.T) (*Backend, func()) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	db := getTestDB(t)
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	backend := NewWithDB(db, WithSchema(schema))
	require.NoError(t, backend.Initialize(context.Background()))

	return backend, func() {
		cleanupSchema(t, db, schema)
		db.Close()
	}
}

func TestBackend_Initialize(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	db := getTestDB(t)
	defer db.Close()

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	defer cleanupSchema(t, db, schema)

	backend := NewWithDB(db, WithSchema(schema))
	require.NoError(t, backend.Initialize(context.Background()))

	for _, table := range []string{"aggregates", "events", "checkpoints", "snapshots", "read_models", "read_model_guards"} {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = $1 AND table_name = $2
			)`, schema, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}

	// Initialize is idempotent
	require.NoError(t, backend.Initialize(context.Background()))
}

func TestBackend_Append(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("appends to new aggregate", func(t *testing.T) {
		stored, err := backend.Append(ctx, "order-1", "Order", []backends.EventRecord{
			{Type: "OrderPlaced", Payload: []byte(`{"total":100}`)},
			{Type: "ItemAdded", Payload: []byte(`{"sku":"a"}`), Metadata: backends.Metadata{"correlationId": "c1"}},
		}, 0)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, int64(1), stored[0].SequenceNumber)
		assert.Equal(t, int64(2), stored[1].SequenceNumber)
		assert.NotEmpty(t, stored[0].EventID)
		assert.Greater(t, stored[1].GlobalPosition, stored[0].GlobalPosition)
		assert.Equal(t, "c1", stored[1].Metadata["correlationId"])
	})

	t.Run("rejects stale expected version", func(t *testing.T) {
		_, err := backend.Append(ctx, "order-1", "Order", []backends.EventRecord{
			{Type: "ItemAdded", Payload: []byte(`{}`)},
		}, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, backends.ErrConcurrencyConflict))

		var conflict *backends.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(0), conflict.ExpectedVersion)
		assert.Equal(t, int64(2), conflict.ActualVersion)
	})

	t.Run("VersionAny bypasses the check", func(t *testing.T) {
		stored, err := backend.Append(ctx, "order-1", "Order", []backends.EventRecord{
			{Type: "ItemAdded", Payload: []byte(`{}`)},
		}, backends.VersionAny)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored[0].SequenceNumber)
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		_, err := backend.Append(ctx, "order-2", "Order", nil, 0)
		assert.True(t, errors.Is(err, backends.ErrNoEvents))
	})
}

func TestBackend_Read(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	batch := make([]backends.EventRecord, 5)
	for i := range batch {
		batch[i] = backends.EventRecord{Type: "Ticked", Payload: []byte(fmt.Sprintf(`{"n":%d}`, i+1))}
	}
	_, err := backend.Append(ctx, "counter-1", "Counter", batch, 0)
	require.NoError(t, err)

	t.Run("reads full stream in order", func(t *testing.T) {
		events, err := backend.Read(ctx, "counter-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.SequenceNumber)
		}
	})

	t.Run("honors fromSequence and limit", func(t *testing.T) {
		events, err := backend.Read(ctx, "counter-1", 3, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(3), events[0].SequenceNumber)
		assert.Equal(t, int64(4), events[1].SequenceNumber)
	})

	t.Run("unknown aggregate yields empty slice", func(t *testing.T) {
		events, err := backend.Read(ctx, "missing", 1, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestBackend_ReadAll(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	_, err := backend.Append(ctx, "a-1", "A", []backends.EventRecord{{Type: "E1", Payload: []byte(`{}`)}}, 0)
	require.NoError(t, err)
	_, err = backend.Append(ctx, "b-1", "B", []backends.EventRecord{{Type: "E2", Payload: []byte(`{}`)}}, 0)
	require.NoError(t, err)
	_, err = backend.Append(ctx, "a-1", "A", []backends.EventRecord{{Type: "E3", Payload: []byte(`{}`)}}, 1)
	require.NoError(t, err)

	all, err := backend.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"E1", "E2", "E3"}, []string{all[0].Type, all[1].Type, all[2].Type})

	head, err := backend.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, all[2].GlobalPosition, head)

	rest, err := backend.ReadAll(ctx, all[0].GlobalPosition, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "E2", rest[0].Type)
}

func TestBackend_Version(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	version, exists, err := backend.Version(ctx, "order-9")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(0), version)

	_, err = backend.Append(ctx, "order-9", "Order", []backends.EventRecord{
		{Type: "OrderPlaced", Payload: []byte(`{}`)},
		{Type: "ItemAdded", Payload: []byte(`{}`)},
	}, 0)
	require.NoError(t, err)

	version, exists, err = backend.Version(ctx, "order-9")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(2), version)
}

func TestBackend_Checkpoints(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	pos, err := backend.Get(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)

	require.NoError(t, backend.Set(ctx, "proj-a", 42))
	require.NoError(t, backend.Set(ctx, "proj-b", 7))
	require.NoError(t, backend.Set(ctx, "proj-a", 43))

	pos, err = backend.Get(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(43), pos)

	all, err := backend.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"proj-a": 43, "proj-b": 7}, all)

	require.NoError(t, backend.Delete(ctx, "proj-a"))
	pos, err = backend.Get(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
}

func TestBackend_Snapshots(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	rec, err := backend.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, backend.SaveSnapshot(ctx, "order-1", 10, []byte(`{"total":500}`)))
	require.NoError(t, backend.SaveSnapshot(ctx, "order-1", 20, []byte(`{"total":900}`)))

	rec, err = backend.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(20), rec.Version)
	assert.Equal(t, []byte(`{"total":900}`), rec.State)

	require.NoError(t, backend.DeleteSnapshot(ctx, "order-1"))
	rec, err = backend.LoadSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReadModelStore(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()
	store := NewReadModelStore(backend)

	set := func(data []byte) ([]byte, error) { return []byte(`{"count":1}`), nil }

	t.Run("applies and guards by sequence", func(t *testing.T) {
		applied, err := store.Apply(ctx, "orders", "order-1", "order-1", 1, set)
		require.NoError(t, err)
		assert.True(t, applied)

		// redelivery of the same event is a no-op
		applied, err = store.Apply(ctx, "orders", "order-1", "order-1", 1, func([]byte) ([]byte, error) {
			t.Fatal("mutate should not run for a replayed sequence")
			return nil, nil
		})
		require.NoError(t, err)
		assert.False(t, applied)

		data, err := store.Get(ctx, "orders", "order-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":1}`, string(data))
	})

	t.Run("guards are per aggregate", func(t *testing.T) {
		applied, err := store.Apply(ctx, "totals", "all", "order-1", 3, set)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.Apply(ctx, "totals", "all", "order-2", 1, set)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.Apply(ctx, "totals", "all", "order-1", 2, set)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("get missing record", func(t *testing.T) {
		_, err := store.Get(ctx, "orders", "missing")
		assert.True(t, errors.Is(err, backends.ErrRecordNotFound))
	})

	t.Run("delete and purge", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "orders", "order-1"))
		_, err := store.Get(ctx, "orders", "order-1")
		assert.True(t, errors.Is(err, backends.ErrRecordNotFound))

		_, err = store.Apply(ctx, "totals", "all", "order-3", 1, set)
		require.NoError(t, err)
		require.NoError(t, store.Purge(ctx, "totals"))
		_, err = store.Get(ctx, "totals", "all")
		assert.True(t, errors.Is(err, backends.ErrRecordNotFound))

		// guards were purged too, so sequence 1 applies again
		applied, err := store.Apply(ctx, "totals", "all", "order-3", 1, set)
		require.NoError(t, err)
		assert.True(t, applied)
	})
}

func TestBackend_Closed(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	cleanup()
	require.NoError(t, backend.Close())

	_, err := backend.Append(context.Background(), "x", "X", []backends.EventRecord{{Type: "E", Payload: []byte(`{}`)}}, 0)
	assert.True(t, errors.Is(err, backends.ErrBackendClosed))
}
