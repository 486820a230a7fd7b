package stratum

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// defaultConflictRetries is how many times an AggregateHandler re-attempts a
// command after an optimistic concurrency conflict before surfacing it.
const defaultConflictRetries = 3

// Decider computes the events a command produces, as a pure function of the
// rebuilt aggregate state and the command. It returns a DomainRuleError when
// the command violates a business invariant; in that case nothing is
// committed and nothing is retried.
type Decider func(ctx context.Context, state interface{}, cmd Command) ([]interface{}, error)

// AggregateHandler handles commands against one aggregate type: it rebuilds
// state from the stream, runs the decider, and commits the resulting events
// with optimistic concurrency control.
//
// Concurrency conflicts are the designed recovery path for benign races:
// the handler automatically re-fetches state, re-validates, and re-appends a
// bounded number of times before surfacing ErrConcurrencyConflict.
type AggregateHandler struct {
	cmdType   string
	store     *EventStore
	rebuilder *Rebuilder
	def       *AggregateDefinition
	decide    Decider
	retries   int
	newID     func() string
	logger    Logger
}

// AggregateHandlerConfig configures an AggregateHandler.
type AggregateHandlerConfig struct {
	// CommandType is the command type this handler processes.
	CommandType string

	// Store is the event store events are committed to.
	Store *EventStore

	// Rebuilder rebuilds aggregate state. When nil, a default Rebuilder
	// without snapshots is created from Store.
	Rebuilder *Rebuilder

	// Definition is the aggregate definition state is folded with.
	Definition *AggregateDefinition

	// Decide is the pure decision function.
	Decide Decider

	// ConflictRetries bounds automatic retries after concurrency conflicts.
	// Zero means the default; negative disables retries.
	ConflictRetries int

	// NewID generates IDs for creation commands (empty AggregateID).
	// Defaults to random UUIDs.
	NewID func() string

	// Logger receives handler diagnostics.
	Logger Logger
}

// NewAggregateHandler creates an AggregateHandler from the config.
func NewAggregateHandler(config AggregateHandlerConfig) (*AggregateHandler, error) {
	if config.CommandType == "" {
		return nil, fmt.Errorf("stratum: handler requires a command type")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("stratum: handler %q requires an event store", config.CommandType)
	}
	if config.Decide == nil {
		return nil, fmt.Errorf("stratum: handler %q requires a decider", config.CommandType)
	}
	if config.Definition == nil {
		return nil, fmt.Errorf("stratum: handler %q requires an aggregate definition", config.CommandType)
	}
	if err := config.Definition.Validate(); err != nil {
		return nil, err
	}

	h := &AggregateHandler{
		cmdType:   config.CommandType,
		store:     config.Store,
		rebuilder: config.Rebuilder,
		def:       config.Definition,
		decide:    config.Decide,
		retries:   config.ConflictRetries,
		newID:     config.NewID,
		logger:    config.Logger,
	}
	if h.rebuilder == nil {
		h.rebuilder = NewRebuilder(config.Store)
	}
	if h.retries == 0 {
		h.retries = defaultConflictRetries
	} else if h.retries < 0 {
		h.retries = 0
	}
	if h.newID == nil {
		h.newID = func() string { return uuid.New().String() }
	}
	if h.logger == nil {
		h.logger = noopLogger{}
	}
	return h, nil
}

// CommandType returns the command type this handler processes.
func (h *AggregateHandler) CommandType() string {
	return h.cmdType
}

// Handle processes one command: rebuild, decide, append. The only side effect
// of a successful call is the committed events; failures commit nothing.
func (h *AggregateHandler) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd == nil {
		return CommandResult{}, ErrNilCommand
	}

	if vc, ok := cmd.(ValidatingCommand); ok {
		if err := vc.Validate(); err != nil {
			return CommandResult{}, err
		}
	}

	aggregateID := cmd.AggregateID()
	creating := aggregateID == ""
	if creating {
		aggregateID = h.newID()
	}

	var metadata Metadata
	if ac, ok := cmd.(AnnotatedCommand); ok {
		metadata = ac.CommandMetadata()
	}

	attempts := 1 + h.retries
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		state, version, err := h.load(ctx, aggregateID, creating)
		if err != nil {
			return CommandResult{}, err
		}

		// The caller's expected version binds only the first attempt; after
		// a conflict the retry re-validates against freshly loaded state.
		expected := version
		if attempt == 0 {
			if vc, ok := cmd.(VersionedCommand); ok {
				if v, present := vc.ExpectedVersion(); present {
					expected = v
				}
			}
		}

		payloads, err := h.decide(ctx, state, cmd)
		if err != nil {
			return CommandResult{}, err
		}

		var opts []AppendOption
		if metadata != nil {
			opts = append(opts, WithAppendMetadata(metadata))
		}

		recorded, err := h.store.Append(ctx, aggregateID, h.def.Type, expected, payloads, opts...)
		if err == nil {
			return CommandResult{
				AggregateID: aggregateID,
				Version:     recorded[len(recorded)-1].SequenceNumber,
				Events:      recorded,
			}, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return CommandResult{}, err
		}

		lastErr = err
		h.logger.Debug("concurrency conflict, retrying",
			"command_type", h.cmdType,
			"aggregate_id", aggregateID,
			"attempt", attempt+1,
		)
		// A conflicting writer created the aggregate first; subsequent
		// attempts must load what it wrote.
		creating = false
	}

	return CommandResult{}, lastErr
}

// load rebuilds (state, version), or returns the initial state for a
// creation.
func (h *AggregateHandler) load(ctx context.Context, aggregateID string, creating bool) (interface{}, int64, error) {
	if creating {
		return h.def.InitialState(), 0, nil
	}
	return h.rebuilder.Rebuild(ctx, h.def, aggregateID)
}
