package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum"
)

func TestTopicRouting(t *testing.T) {
	t.Run("per-aggregate-type topics by default", func(t *testing.T) {
		p := New()
		assert.Equal(t, "stratum.events.Order", p.topicFor(stratum.RecordedEvent{AggregateType: "Order"}))
		assert.Equal(t, "stratum.events.Customer", p.topicFor(stratum.RecordedEvent{AggregateType: "Customer"}))
	})

	t.Run("custom prefix", func(t *testing.T) {
		p := New(WithTopicPrefix("billing."))
		assert.Equal(t, "billing.Invoice", p.topicFor(stratum.RecordedEvent{AggregateType: "Invoice"}))
	})

	t.Run("fixed topic overrides the prefix", func(t *testing.T) {
		p := New(WithTopic("events"))
		assert.Equal(t, "events", p.topicFor(stratum.RecordedEvent{AggregateType: "Order"}))
		assert.Equal(t, "events", p.topicFor(stratum.RecordedEvent{AggregateType: "Customer"}))
	})
}

func TestWriterConfiguration(t *testing.T) {
	p := New(
		WithBrokers("kafka-1:9092", "kafka-2:9092"),
		WithBalancer(&kafkago.RoundRobin{}),
		WithBatchTimeout(50*time.Millisecond),
	)
	defer p.Close()

	w := p.writerFor("stratum.events.Order")
	require.NotNil(t, w)
	assert.Equal(t, "stratum.events.Order", w.Topic)
	assert.Equal(t, "kafka-1:9092,kafka-2:9092", w.Addr.String())
	assert.IsType(t, &kafkago.RoundRobin{}, w.Balancer)
	assert.Equal(t, 50*time.Millisecond, w.BatchTimeout)
	assert.Equal(t, kafkago.RequireAll, w.RequiredAcks)

	// one writer per topic, reused across batches
	assert.Same(t, w, p.writerFor("stratum.events.Order"))
	assert.NotSame(t, w, p.writerFor("stratum.events.Customer"))
}

func TestClose(t *testing.T) {
	p := New()
	p.writerFor("stratum.events.Order")
	p.writerFor("stratum.events.Customer")

	require.NoError(t, p.Close())
	assert.Empty(t, p.writers)

	// closing twice is harmless
	require.NoError(t, p.Close())
}
