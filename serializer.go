package stratum

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer handles event payload encoding and decoding.
type Serializer interface {
	// Serialize converts an event payload to bytes.
	Serialize(event interface{}) ([]byte, error)

	// Deserialize converts bytes back to a payload value. The eventType
	// selects the target Go type.
	Deserialize(data []byte, eventType string) (interface{}, error)
}

// EventRegistry maps event type names to Go types so serialized payloads can
// be decoded back to their original structs.
type EventRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewEventRegistry creates an empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register maps eventType to the Go type of example. Pointers are
// dereferenced to their element type.
func (r *EventRegistry) Register(eventType string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[eventType] = t
}

// RegisterAll registers each example under its struct name.
func (r *EventRegistry) RegisterAll(examples ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, example := range examples {
		t := reflect.TypeOf(example)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		r.types[t.Name()] = t
	}
}

// Lookup returns the Go type for an event type name.
func (r *EventRegistry) Lookup(eventType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[eventType]
	return t, ok
}

// RegisteredTypes returns all registered event type names.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// JSONSerializer is the default Serializer, encoding payloads as JSON.
type JSONSerializer struct {
	registry *EventRegistry
}

// NewJSONSerializer creates a JSONSerializer with an empty registry.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{registry: NewEventRegistry()}
}

// Register adds an event type to the serializer's registry.
func (s *JSONSerializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers each example under its struct name.
func (s *JSONSerializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying EventRegistry.
func (s *JSONSerializer) Registry() *EventRegistry {
	return s.registry
}

// Serialize converts an event payload to JSON bytes.
func (s *JSONSerializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, NewSerializationError(EventTypeOf(event), "serialize", err)
	}
	return data, nil
}

// Deserialize converts JSON bytes back to a payload value. Registered types
// decode to a value of that type; unregistered types fall back to
// map[string]interface{}.
func (s *JSONSerializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		var result map[string]interface{}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, NewSerializationError(eventType, "deserialize", err)
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// EventTypeOf returns the event type name for a payload value, which is the
// struct name. Pointers are dereferenced first.
func EventTypeOf(event interface{}) string {
	if event == nil {
		return ""
	}

	t := reflect.TypeOf(event)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
