// Package kafka provides a Kafka publisher for the stratum event relay,
// built on github.com/segmentio/kafka-go. Events are keyed by aggregate ID so
// one aggregate's events land on one partition in commit order.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/stratumhq/stratum"
)

// Header names attached to every published message.
const (
	HeaderEventID        = "stratum-event-id"
	HeaderEventType      = "stratum-event-type"
	HeaderAggregateType  = "stratum-aggregate-type"
	HeaderSequenceNumber = "stratum-sequence-number"
)

// Publisher writes relay batches to Kafka. By default each aggregate type
// publishes to its own topic ("<prefix><aggregate-type>"); a fixed topic can
// be set instead with WithTopic.
type Publisher struct {
	brokers      []string
	topic        string
	topicPrefix  string
	balancer     kafkago.Balancer
	batchTimeout time.Duration

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithTopic routes every event to one fixed topic instead of per-aggregate-
// type topics.
func WithTopic(topic string) Option {
	return func(p *Publisher) {
		p.topic = topic
	}
}

// WithTopicPrefix sets the prefix for per-aggregate-type topic names.
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.topicPrefix = prefix
	}
}

// WithBalancer sets the partition balancer.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the writer's batch timeout.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// New creates a Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		topicPrefix:  "stratum.events.",
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]*kafkago.Writer),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish writes a batch of events, grouped by topic. A partial failure
// returns an error without advancing the relay checkpoint, so the whole
// batch is republished; consumers deduplicate on the event ID header.
func (p *Publisher) Publish(ctx context.Context, events []stratum.RecordedEvent) error {
	grouped := make(map[string][]kafkago.Message)
	for _, ev := range events {
		topic := p.topicFor(ev)
		grouped[topic] = append(grouped[topic], kafkago.Message{
			Key:   []byte(ev.AggregateID),
			Value: ev.Payload,
			Time:  ev.OccurredAt,
			Headers: []kafkago.Header{
				{Key: HeaderEventID, Value: []byte(ev.EventID)},
				{Key: HeaderEventType, Value: []byte(ev.Type)},
				{Key: HeaderAggregateType, Value: []byte(ev.AggregateType)},
				{Key: HeaderSequenceNumber, Value: []byte(strconv.FormatInt(ev.SequenceNumber, 10))},
			},
		})
	}

	for topic, messages := range grouped {
		writer := p.writerFor(topic)
		if err := writer.WriteMessages(ctx, messages...); err != nil {
			return fmt.Errorf("stratum/kafka: failed to publish %d events to topic %q: %w",
				len(messages), topic, err)
		}
	}
	return nil
}

// Close closes all topic writers, collecting any errors.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stratum/kafka: failed to close writer for topic %q: %w", topic, err)
		}
		delete(p.writers, topic)
	}
	return firstErr
}

func (p *Publisher) topicFor(ev stratum.RecordedEvent) string {
	if p.topic != "" {
		return p.topic
	}
	return p.topicPrefix + ev.AggregateType
}

func (p *Publisher) writerFor(topic string) *kafkago.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     p.balancer,
		BatchTimeout: p.batchTimeout,
		RequiredAcks: kafkago.RequireAll,
	}
	p.writers[topic] = w
	return w
}
