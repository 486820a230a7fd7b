package memory

import (
	"context"
	"sync"

	"github.com/stratumhq/stratum/backends"
)

// Ensure CheckpointStore implements the contract.
var _ backends.CheckpointBackend = (*CheckpointStore)(nil)

// CheckpointStore is a thread-safe in-memory checkpoint backend.
// Positions do not survive a restart, which makes it suitable only for tests
// and throwaway projections.
type CheckpointStore struct {
	mu        sync.RWMutex
	positions map[string]uint64
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		positions: make(map[string]uint64),
	}
}

// Get returns the stored position for a consumer, or 0 if none exists.
func (s *CheckpointStore) Get(ctx context.Context, consumer string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[consumer], nil
}

// Set stores the position for a consumer.
func (s *CheckpointStore) Set(ctx context.Context, consumer string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[consumer] = position
	return nil
}

// Delete removes the checkpoint for a consumer.
func (s *CheckpointStore) Delete(ctx context.Context, consumer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, consumer)
	return nil
}

// All returns the stored positions for every consumer.
func (s *CheckpointStore) All(ctx context.Context) (map[string]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out, nil
}
