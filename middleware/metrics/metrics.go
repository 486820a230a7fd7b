// Package metrics provides Prometheus instrumentation for stratum.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithServiceName("orders"))
//	m.MustRegister()
//
//	bus := stratum.NewCommandBus()
//	bus.Use(m.CommandMiddleware())
//
//	projector := stratum.NewProjector(store, checkpoints, projection,
//		stratum.WithProjectorMetrics(m))
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratumhq/stratum"
)

// Metric labels.
const (
	LabelCommandType = "command_type"
	LabelProjection  = "projection"
	LabelStatus      = "status"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds the Prometheus collectors for command dispatch and
// projection processing. It implements stratum.ProjectionMetrics.
type Metrics struct {
	namespace   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec
	eventsCommitted  *prometheus.CounterVec

	batchesTotal         *prometheus.CounterVec
	batchDuration        *prometheus.HistogramVec
	eventsProjected      *prometheus.CounterVec
	projectionCheckpoint *prometheus.GaugeVec
}

var _ stratum.ProjectionMetrics = (*Metrics)(nil)

// Option configures Metrics.
type Option func(*Metrics)

// WithNamespace sets the Prometheus namespace. Default "stratum".
func WithNamespace(namespace string) Option {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithServiceName sets the service label on every metric.
func WithServiceName(name string) Option {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a Metrics instance.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		namespace:   "stratum",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "commands_total",
			Help:      "Total number of commands dispatched.",
		},
		[]string{LabelService, LabelCommandType, LabelStatus},
	)

	m.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of command handling in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelCommandType},
	)

	m.commandsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "commands_in_flight",
			Help:      "Number of commands currently being handled.",
		},
		[]string{LabelService, LabelCommandType},
	)

	m.eventsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "events_committed_total",
			Help:      "Total number of events committed by command handlers.",
		},
		[]string{LabelService, LabelCommandType},
	)

	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "projection_batches_total",
			Help:      "Total number of projection batches applied.",
		},
		[]string{LabelService, LabelProjection, LabelStatus},
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      "projection_batch_duration_seconds",
			Help:      "Duration of projection batch processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelProjection},
	)

	m.eventsProjected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      "projection_events_total",
			Help:      "Total number of events applied by projections.",
		},
		[]string{LabelService, LabelProjection},
	)

	m.projectionCheckpoint = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "projection_checkpoint_position",
			Help:      "Current checkpoint position for each projection.",
		},
		[]string{LabelService, LabelProjection},
	)

	return m
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.eventsCommitted,
		m.batchesTotal,
		m.batchDuration,
		m.eventsProjected,
		m.projectionCheckpoint,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// CommandMiddleware returns bus middleware that records dispatch metrics.
func (m *Metrics) CommandMiddleware() stratum.Middleware {
	return func(next stratum.DispatchFunc) stratum.DispatchFunc {
		return func(ctx context.Context, cmd stratum.Command) (stratum.CommandResult, error) {
			cmdType := cmd.CommandType()

			m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil {
				status = StatusError
			} else if n := len(result.Events); n > 0 {
				m.eventsCommitted.WithLabelValues(m.serviceName, cmdType).Add(float64(n))
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()

			return result, err
		}
	}
}

// ObserveBatch records an applied or failed projection batch.
func (m *Metrics) ObserveBatch(projection string, events int, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.batchesTotal.WithLabelValues(m.serviceName, projection, status).Inc()
	m.batchDuration.WithLabelValues(m.serviceName, projection).Observe(duration.Seconds())
	if err == nil && events > 0 {
		m.eventsProjected.WithLabelValues(m.serviceName, projection).Add(float64(events))
	}
}

// ObserveCheckpoint records a persisted checkpoint position.
func (m *Metrics) ObserveCheckpoint(projection string, position uint64) {
	m.projectionCheckpoint.WithLabelValues(m.serviceName, projection).Set(float64(position))
}
