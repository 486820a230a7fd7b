package stratum

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/backends/memory"
)

// fakePublisher records published events and can fail a number of times.
type fakePublisher struct {
	mu        sync.Mutex
	published []RecordedEvent
	failures  int
	attempts  int
	closed    bool
}

func (p *fakePublisher) Publish(ctx context.Context, events []RecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, events...)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) events() []RecordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordedEvent, len(p.published))
	copy(out, p.published)
	return out
}

func runRelay(t *testing.T, r *Relay) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("relay did not stop")
			}
		})
	}
}

func TestRelay_PublishesInCommitOrder(t *testing.T) {
	store := newTestStore()
	checkpoints := memory.NewCheckpointStore()
	publisher := &fakePublisher{}
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "Order", VersionNew, []interface{}{
		OrderPlaced{OrderID: "order-1"},
		ItemAdded{OrderID: "order-1", SKU: "widget", Quantity: 1, Price: 1},
	})
	require.NoError(t, err)

	relay := NewRelay(store, checkpoints, publisher, WithRelayPollInterval(5*time.Millisecond))
	stop := runRelay(t, relay)
	defer stop()

	waitFor(t, func() bool { return publisher.count() == 2 })

	// new commits are tailed too
	_, err = store.Append(ctx, "order-2", "Order", VersionNew, []interface{}{OrderPlaced{OrderID: "order-2"}})
	require.NoError(t, err)
	waitFor(t, func() bool { return publisher.count() == 3 })

	events := publisher.events()
	assert.Equal(t, "OrderPlaced", events[0].Type)
	assert.Equal(t, "ItemAdded", events[1].Type)
	assert.Equal(t, "order-2", events[2].AggregateID)

	stop()

	// the checkpoint reflects the last published event
	pos, err := checkpoints.Get(ctx, "relay")
	require.NoError(t, err)
	assert.Equal(t, uint64(events[2].GlobalPosition), pos)
}

func TestRelay_RetriesFailedPublishes(t *testing.T) {
	store := newTestStore()
	checkpoints := memory.NewCheckpointStore()
	publisher := &fakePublisher{failures: 2}
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "Order", VersionNew, []interface{}{OrderPlaced{OrderID: "order-1"}})
	require.NoError(t, err)

	relay := NewRelay(store, checkpoints, publisher,
		WithRelayPollInterval(5*time.Millisecond),
		WithRelayBackoff(time.Millisecond, 5*time.Millisecond))

	stop := runRelay(t, relay)
	defer stop()

	waitFor(t, func() bool { return publisher.count() == 1 })
	publisher.mu.Lock()
	attempts := publisher.attempts
	publisher.mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestRelay_ResumesFromCheckpoint(t *testing.T) {
	store := newTestStore()
	checkpoints := memory.NewCheckpointStore()
	ctx := context.Background()

	_, err := store.Append(ctx, "order-1", "Order", VersionNew, []interface{}{
		OrderPlaced{OrderID: "order-1"},
		ItemAdded{OrderID: "order-1", SKU: "widget", Quantity: 1, Price: 1},
	})
	require.NoError(t, err)

	first := &fakePublisher{}
	relay := NewRelay(store, checkpoints, first, WithRelayName("orders-relay"), WithRelayPollInterval(5*time.Millisecond))
	stop := runRelay(t, relay)
	waitFor(t, func() bool { return first.count() == 2 })
	stop()

	_, err = store.Append(ctx, "order-1", "Order", 2, []interface{}{OrderShipped{OrderID: "order-1"}})
	require.NoError(t, err)

	// a restarted relay with the same name publishes only the new events
	second := &fakePublisher{}
	relay = NewRelay(store, checkpoints, second, WithRelayName("orders-relay"), WithRelayPollInterval(5*time.Millisecond))
	stop = runRelay(t, relay)
	defer stop()

	waitFor(t, func() bool { return second.count() == 1 })
	assert.Equal(t, "OrderShipped", second.events()[0].Type)
}
