package memory

import (
	"context"
	"sync"

	"github.com/stratumhq/stratum/backends"
)

// Ensure ReadModelStore implements the contract.
var _ backends.ReadModelBackend = (*ReadModelStore)(nil)

// ReadModelStore is a thread-safe in-memory read-model backend with the
// per-record, per-aggregate sequence guard.
type ReadModelStore struct {
	mu      sync.Mutex
	records map[recordKey]*record
}

type recordKey struct {
	projection string
	key        string
}

type record struct {
	data []byte
	// lastApplied tracks the highest applied sequence number per contributing
	// aggregate, which is what makes event redelivery a no-op.
	lastApplied map[string]int64
}

// NewReadModelStore creates an empty in-memory read-model store.
func NewReadModelStore() *ReadModelStore {
	return &ReadModelStore{
		records: make(map[recordKey]*record),
	}
}

// Apply runs mutate under the sequence guard. Returns false without calling
// mutate when the event was already applied to this record.
func (s *ReadModelStore) Apply(ctx context.Context, projection, key, aggregateID string, sequence int64, mutate func(current []byte) ([]byte, error)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rk := recordKey{projection: projection, key: key}
	rec, exists := s.records[rk]
	if exists && sequence <= rec.lastApplied[aggregateID] {
		return false, nil
	}

	var current []byte
	if exists {
		current = make([]byte, len(rec.data))
		copy(current, rec.data)
	}

	next, err := mutate(current)
	if err != nil {
		return false, err
	}

	if !exists {
		rec = &record{lastApplied: make(map[string]int64)}
		s.records[rk] = rec
	}
	rec.data = next
	rec.lastApplied[aggregateID] = sequence
	return true, nil
}

// Get returns the record bytes at (projection, key).
func (s *ReadModelStore) Get(ctx context.Context, projection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[recordKey{projection: projection, key: key}]
	if !exists {
		return nil, backends.ErrRecordNotFound
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, nil
}

// Delete removes the record at (projection, key).
func (s *ReadModelStore) Delete(ctx context.Context, projection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey{projection: projection, key: key})
	return nil
}

// Purge removes every record belonging to a projection.
func (s *ReadModelStore) Purge(ctx context.Context, projection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for rk := range s.records {
		if rk.projection == projection {
			delete(s.records, rk)
		}
	}
	return nil
}
