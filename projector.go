package stratum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Projector drives one projection: it resumes from the projection's persisted
// checkpoint (or the beginning when none exists), catches up on the global
// commit order, then tails new commits by polling.
//
// Delivery is at least once. The checkpoint is persisted only after a batch
// applies successfully, so a crash between apply and checkpoint redelivers
// that batch on restart; the read-model sequence guard makes the redelivery a
// no-op. Batch failures are logged and retried with exponential backoff
// without advancing the checkpoint — a failing projection lags, it never
// loses events and never blocks writers.
type Projector struct {
	store       *EventStore
	checkpoints CheckpointStore
	projection  Projection
	handlers    map[string]ProjectionHandler

	pollInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	logger       Logger
	metrics      ProjectionMetrics

	running atomic.Bool

	mu            sync.RWMutex
	state         ProjectorState
	checkpoint    Checkpoint
	eventsApplied uint64
	lastAppliedAt time.Time
	lastError     error
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithPollInterval sets how often the projector polls for new events once
// live.
func WithPollInterval(d time.Duration) ProjectorOption {
	return func(p *Projector) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithApplyBackoff sets the exponential backoff bounds used when a batch
// fails to apply.
func WithApplyBackoff(base, max time.Duration) ProjectorOption {
	return func(p *Projector) {
		if base > 0 {
			p.backoffBase = base
		}
		if max > 0 {
			p.backoffMax = max
		}
	}
}

// WithProjectorLogger sets the projector logger.
func WithProjectorLogger(l Logger) ProjectorOption {
	return func(p *Projector) {
		p.logger = l
	}
}

// WithProjectorMetrics sets the metrics sink.
func WithProjectorMetrics(m ProjectionMetrics) ProjectorOption {
	return func(p *Projector) {
		p.metrics = m
	}
}

// NewProjector creates a Projector for one projection.
func NewProjector(store *EventStore, checkpoints CheckpointStore, projection Projection, opts ...ProjectorOption) *Projector {
	p := &Projector{
		store:        store,
		checkpoints:  checkpoints,
		projection:   projection,
		handlers:     projection.Handlers(),
		pollInterval: 100 * time.Millisecond,
		backoffBase:  100 * time.Millisecond,
		backoffMax:   30 * time.Second,
		logger:       noopLogger{},
		metrics:      noopProjectionMetrics{},
		state:        StateNotStarted,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run drives the projection until ctx is cancelled, then returns nil after
// the checkpoint for the last completed batch has been persisted. Cancelling
// mid-batch loses at most that one in-flight batch, which is redelivered on
// the next Run.
func (p *Projector) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProjectorRunning
	}
	defer p.running.Store(false)
	defer p.setState(StateStopped)

	pos, err := p.checkpoints.Get(ctx, p.projection.Name())
	if err != nil {
		return err
	}
	p.setCheckpoint(Checkpoint(pos))

	p.setState(StateCatchingUp)
	p.logger.Info("projection starting",
		"projection", p.projection.Name(),
		"checkpoint", Checkpoint(pos).String(),
	)

	// Catch up relative to a snapshot of the head taken now; events committed
	// during catch-up are picked up by the live tail.
	head, err := p.store.Head(ctx)
	if err != nil {
		return err
	}
	for p.Checkpoint() < head {
		if err := p.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}

	p.setState(StateLive)
	p.logger.Info("projection live", "projection", p.projection.Name())

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.step(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}
	}
}

// Status returns a snapshot of the projector's progress.
func (p *Projector) Status() ProjectorStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := ProjectorStatus{
		Name:          p.projection.Name(),
		State:         p.state,
		Checkpoint:    p.checkpoint,
		EventsApplied: p.eventsApplied,
		LastAppliedAt: p.lastAppliedAt,
	}
	if p.lastError != nil {
		status.LastError = p.lastError.Error()
	}
	return status
}

// Checkpoint returns the last persisted checkpoint.
func (p *Projector) Checkpoint() Checkpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checkpoint
}

// step fetches the next batch and applies it, retrying with backoff until it
// succeeds or ctx is cancelled. A nil return with no progress means the feed
// is exhausted for now.
func (p *Projector) step(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := p.applyNextBatch(ctx)
		if err == nil {
			if attempt > 0 {
				p.clearError()
				p.logger.Info("projection recovered",
					"projection", p.projection.Name(),
					"attempts", attempt+1,
				)
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		p.setError(err)
		p.logger.Error("projection batch failed",
			"projection", p.projection.Name(),
			"attempt", attempt+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoffDelay(attempt)):
		}
	}
}

// applyNextBatch applies one page of events and persists the checkpoint.
// The checkpoint advances past skipped events too, so a projection that
// ignores most event types does not rescan them forever.
func (p *Projector) applyNextBatch(ctx context.Context) error {
	from := p.Checkpoint()
	batch, err := p.store.EventsSince(ctx, from)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	applied := 0
	for _, rec := range batch {
		handler, ok := p.handlers[rec.Type]
		if !ok {
			continue
		}

		ev, err := p.store.Decode(rec)
		if err != nil {
			p.metrics.ObserveBatch(p.projection.Name(), applied, time.Since(start), err)
			return err
		}
		if err := handler(ctx, ev); err != nil {
			p.metrics.ObserveBatch(p.projection.Name(), applied, time.Since(start), err)
			return err
		}
		applied++
	}

	next := batch[len(batch)-1].Checkpoint()
	if err := p.checkpoints.Set(ctx, p.projection.Name(), uint64(next)); err != nil {
		return err
	}

	p.metrics.ObserveBatch(p.projection.Name(), applied, time.Since(start), nil)
	p.metrics.ObserveCheckpoint(p.projection.Name(), uint64(next))
	p.advance(next, uint64(applied))
	return nil
}

func (p *Projector) backoffDelay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := p.backoffBase * (1 << uint(attempt))
	if delay > p.backoffMax || delay <= 0 {
		delay = p.backoffMax
	}
	return delay
}

func (p *Projector) setState(state ProjectorState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Projector) setCheckpoint(c Checkpoint) {
	p.mu.Lock()
	p.checkpoint = c
	p.mu.Unlock()
}

func (p *Projector) advance(c Checkpoint, applied uint64) {
	p.mu.Lock()
	p.checkpoint = c
	p.eventsApplied += applied
	p.lastAppliedAt = time.Now()
	p.mu.Unlock()
}

func (p *Projector) setError(err error) {
	p.mu.Lock()
	p.lastError = err
	p.mu.Unlock()
}

func (p *Projector) clearError() {
	p.mu.Lock()
	p.lastError = nil
	p.mu.Unlock()
}
