package stratum

import (
	"context"
	"sync"
	"sync/atomic"
)

// CommandBus routes commands to their handlers through a middleware chain.
// Dispatches run concurrently; serialization per aggregate happens only at
// the event store's version check, never via a bus-level lock.
type CommandBus struct {
	registry   *HandlerRegistry
	middleware []Middleware
	closed     atomic.Bool
	mu         sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithBusMiddleware adds middleware to the command bus.
func WithBusMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// WithRegistry sets a custom handler registry.
func WithRegistry(registry *HandlerRegistry) CommandBusOption {
	return func(b *CommandBus) {
		b.registry = registry
	}
}

// NewCommandBus creates a CommandBus.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		registry: NewHandlerRegistry(),
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Register adds a handler to the bus.
func (b *CommandBus) Register(handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry.Register(handler)
}

// Use appends middleware, executed in the order added.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// Dispatch routes a command through the middleware chain to its handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if b.closed.Load() {
		return CommandResult{}, ErrBusClosed
	}
	if cmd == nil {
		return CommandResult{}, ErrNilCommand
	}

	b.mu.RLock()
	handler := b.registry.Get(cmd.CommandType())
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	if handler == nil {
		return CommandResult{}, &HandlerNotFoundError{CommandType: cmd.CommandType()}
	}

	chain := handler.Handle
	for i := len(middleware) - 1; i >= 0; i-- {
		chain = middleware[i](chain)
	}

	return chain(ctx, cmd)
}

// HasHandler reports whether a handler is registered for the command type.
func (b *CommandBus) HasHandler(cmdType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Has(cmdType)
}

// Close stops the bus; further dispatches fail with ErrBusClosed.
func (b *CommandBus) Close() error {
	b.closed.Store(true)
	return nil
}

// DispatchFunc is the function signature wrapped by command middleware.
type DispatchFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware decorates command dispatch with cross-cutting behavior.
type Middleware func(next DispatchFunc) DispatchFunc
