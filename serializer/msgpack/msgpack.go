// Package msgpack provides a MessagePack serializer for stratum.
//
// MessagePack is a binary format that produces smaller payloads than JSON,
// useful for high-throughput stores.
//
// Basic usage:
//
//	serializer := msgpack.NewSerializer()
//	serializer.Register("OrderPlaced", OrderPlaced{})
//
//	store := stratum.New(backend, stratum.WithSerializer(serializer))
package msgpack

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratumhq/stratum"
)

// Serializer is a MessagePack implementation of stratum.Serializer backed by
// an event type registry. Payloads of unregistered types deserialize to
// map[string]interface{}.
type Serializer struct {
	registry *stratum.EventRegistry
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: stratum.NewEventRegistry()}
}

// Register adds a mapping from eventType to the Go type of example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events using their struct names as type names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying event type registry.
func (s *Serializer) Registry() *stratum.EventRegistry {
	return s.registry
}

// Serialize converts an event payload to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, stratum.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, stratum.NewSerializationError(stratum.EventTypeOf(event), "serialize", err)
	}
	return data, nil
}

// Deserialize converts MessagePack bytes back to a payload value. Registered
// types come back as a value of that type, everything else as a map.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, stratum.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		var result map[string]interface{}
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return nil, stratum.NewSerializationError(eventType, "deserialize", err)
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, stratum.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}
