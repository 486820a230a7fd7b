package stratum

import (
	"context"
	"fmt"
	"sync"
)

// Command is a request to change aggregate state. Commands are transient and
// never persisted; only the events they produce are.
type Command interface {
	// CommandType returns the type identifier (e.g., "PlaceOrder").
	CommandType() string

	// AggregateID returns the target aggregate's ID, or empty for commands
	// that create a new aggregate.
	AggregateID() string
}

// VersionedCommand is a command carrying the version the caller believes the
// aggregate is at. Absence of the interface (or ok=false) means "no
// optimistic check by the caller"; the handler then uses the version it
// loaded.
type VersionedCommand interface {
	Command

	// ExpectedVersion returns the caller's expected aggregate version.
	ExpectedVersion() (int64, bool)
}

// ValidatingCommand is a command that can check its own structural validity
// before any state is loaded. Failures surface immediately and are never
// retried.
type ValidatingCommand interface {
	Command

	// Validate returns nil if the command is well formed.
	Validate() error
}

// AnnotatedCommand supplies metadata to attach to every event the command
// produces, such as correlation and causation IDs.
type AnnotatedCommand interface {
	Command

	// CommandMetadata returns the metadata for emitted events.
	CommandMetadata() Metadata
}

// CommandResult summarizes a successfully handled command: the aggregate
// affected, its new version, and the events that were committed.
type CommandResult struct {
	// AggregateID is the affected aggregate. For creation commands this is
	// the newly assigned ID.
	AggregateID string

	// Version is the aggregate's version after the commit.
	Version int64

	// Events are the committed events, in order.
	Events []RecordedEvent
}

// EventTypes returns the committed event type names, in order.
func (r CommandResult) EventTypes() []string {
	types := make([]string, len(r.Events))
	for i, ev := range r.Events {
		types[i] = ev.Type
	}
	return types
}

// CommandHandler processes commands of one type.
type CommandHandler interface {
	// CommandType returns the command type this handler processes.
	CommandType() string

	// Handle processes the command.
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to the CommandHandler interface.
type CommandHandlerFunc struct {
	cmdType string
	fn      func(ctx context.Context, cmd Command) (CommandResult, error)
}

// NewCommandHandlerFunc creates a CommandHandlerFunc.
func NewCommandHandlerFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) *CommandHandlerFunc {
	return &CommandHandlerFunc{cmdType: cmdType, fn: fn}
}

// CommandType returns the command type this handler processes.
func (h *CommandHandlerFunc) CommandType() string {
	return h.cmdType
}

// Handle processes the command.
func (h *CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	return h.fn(ctx, cmd)
}

// HandlerNotFoundError reports a dispatch for a command type with no
// registered handler. It matches ErrHandlerNotFound via errors.Is.
type HandlerNotFoundError struct {
	CommandType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("stratum: no handler registered for command type %q", e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// Unwrap returns the underlying sentinel for errors.Unwrap.
func (e *HandlerNotFoundError) Unwrap() error {
	return ErrHandlerNotFound
}

// HandlerRegistry maps command types to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a handler, replacing any earlier one for the same type.
func (r *HandlerRegistry) Register(handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.CommandType()] = handler
}

// Get returns the handler for a command type, or nil.
func (r *HandlerRegistry) Get(cmdType string) CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[cmdType]
}

// Has reports whether a handler is registered for the command type.
func (r *HandlerRegistry) Has(cmdType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[cmdType]
	return ok
}

// Count returns the number of registered handlers.
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
