package stratum

import (
	"fmt"
	"sync"
)

// Transition is a pure state transition function: given the prior state and
// one event, it returns the next state. Transitions must be deterministic and
// free of side effects so that replaying a stream always yields the same
// state.
type Transition func(state interface{}, ev Event) (interface{}, error)

// AggregateDefinition describes how to derive an aggregate type's state from
// its events: an initial empty state plus a transition table keyed by event
// type. State is a mapping, not an inheritance hierarchy, so the "unknown
// event type is fatal" policy stays explicit and auditable.
type AggregateDefinition struct {
	// Type is the aggregate type tag (e.g., "Order").
	Type string

	// InitialState produces the well-defined empty state a fold starts from.
	InitialState func() interface{}

	// Transitions maps event type names to their transition functions.
	Transitions map[string]Transition
}

// NewDefinition creates an AggregateDefinition with an empty transition
// table. Add transitions with On.
func NewDefinition(aggregateType string, initial func() interface{}) *AggregateDefinition {
	return &AggregateDefinition{
		Type:         aggregateType,
		InitialState: initial,
		Transitions:  make(map[string]Transition),
	}
}

// On registers the transition for an event type and returns the definition
// for chaining.
func (d *AggregateDefinition) On(eventType string, fn Transition) *AggregateDefinition {
	d.Transitions[eventType] = fn
	return d
}

// Validate checks the definition is complete enough to fold with.
func (d *AggregateDefinition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("stratum: aggregate definition requires a type tag")
	}
	if d.InitialState == nil {
		return fmt.Errorf("stratum: aggregate definition %q requires an initial state", d.Type)
	}
	if len(d.Transitions) == 0 {
		return fmt.Errorf("stratum: aggregate definition %q has no transitions", d.Type)
	}
	return nil
}

// DefinitionRegistry holds aggregate definitions keyed by type tag.
type DefinitionRegistry struct {
	mu   sync.RWMutex
	defs map[string]*AggregateDefinition
}

// NewDefinitionRegistry creates an empty DefinitionRegistry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		defs: make(map[string]*AggregateDefinition),
	}
}

// Register adds a definition, replacing any earlier one for the same type.
func (r *DefinitionRegistry) Register(def *AggregateDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for an aggregate type.
// Returns ErrNoDefinition if none is registered.
func (r *DefinitionRegistry) Lookup(aggregateType string) (*AggregateDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[aggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDefinition, aggregateType)
	}
	return def, nil
}

// Types returns the registered aggregate type tags.
func (r *DefinitionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
