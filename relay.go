package stratum

import (
	"context"
	"errors"
	"time"
)

// Publisher delivers committed events to an external system, such as a
// message broker. Delivery is at least once: a batch may be republished after
// a crash, so downstream consumers must deduplicate on EventID or tolerate
// replays.
type Publisher interface {
	// Publish delivers a batch of events in order.
	Publish(ctx context.Context, events []RecordedEvent) error

	// Close releases resources held by the publisher.
	Close() error
}

// Relay tails the global commit order and publishes committed events to a
// Publisher, making the event stream available to systems outside the
// store. It is itself a checkpointed consumer: like a projector it resumes
// from a persisted position, retries failed batches with backoff, and
// advances the checkpoint only after a batch was delivered.
type Relay struct {
	name        string
	store       *EventStore
	checkpoints CheckpointStore
	publisher   Publisher

	pollInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	logger       Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayName sets the checkpoint name. Defaults to "relay"; distinct
// relays sharing one checkpoint store need distinct names.
func WithRelayName(name string) RelayOption {
	return func(r *Relay) {
		if name != "" {
			r.name = name
		}
	}
}

// WithRelayPollInterval sets how often the relay polls for new events.
func WithRelayPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRelayBackoff sets the exponential backoff bounds for failed publishes.
func WithRelayBackoff(base, max time.Duration) RelayOption {
	return func(r *Relay) {
		if base > 0 {
			r.backoffBase = base
		}
		if max > 0 {
			r.backoffMax = max
		}
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(l Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// NewRelay creates a Relay publishing through the given publisher.
func NewRelay(store *EventStore, checkpoints CheckpointStore, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		name:         "relay",
		store:        store,
		checkpoints:  checkpoints,
		publisher:    publisher,
		pollInterval: 100 * time.Millisecond,
		backoffBase:  100 * time.Millisecond,
		backoffMax:   30 * time.Second,
		logger:       noopLogger{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run tails the store and publishes until ctx is cancelled, then returns nil.
func (r *Relay) Run(ctx context.Context) error {
	pos, err := r.checkpoints.Get(ctx, r.name)
	if err != nil {
		return err
	}
	checkpoint := Checkpoint(pos)

	r.logger.Info("relay starting", "relay", r.name, "checkpoint", checkpoint.String())

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		next, err := r.forward(ctx, checkpoint)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if next == checkpoint {
			// Feed exhausted; wait for new commits.
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		checkpoint = next
	}
}

// forward publishes one batch, retrying with backoff until delivered, and
// returns the new checkpoint (unchanged when the feed was empty).
func (r *Relay) forward(ctx context.Context, from Checkpoint) (Checkpoint, error) {
	batch, err := r.store.EventsSince(ctx, from)
	if err != nil {
		return from, err
	}
	if len(batch) == 0 {
		return from, nil
	}

	for attempt := 0; ; attempt++ {
		err := r.publisher.Publish(ctx, batch)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return from, err
		}

		r.logger.Error("relay publish failed",
			"relay", r.name,
			"events", len(batch),
			"attempt", attempt+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return from, ctx.Err()
		case <-time.After(r.backoffDelay(attempt)):
		}
	}

	next := batch[len(batch)-1].Checkpoint()
	if err := r.checkpoints.Set(ctx, r.name, uint64(next)); err != nil {
		return from, err
	}

	r.logger.Debug("relay published batch",
		"relay", r.name,
		"events", len(batch),
		"checkpoint", next.String(),
	)
	return next, nil
}

func (r *Relay) backoffDelay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := r.backoffBase * (1 << uint(attempt))
	if delay > r.backoffMax || delay <= 0 {
		delay = r.backoffMax
	}
	return delay
}
