package stratum

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(cmdType string) CommandHandler {
	return NewCommandHandlerFunc(cmdType, func(ctx context.Context, cmd Command) (CommandResult, error) {
		return CommandResult{AggregateID: cmd.AggregateID(), Version: 1}, nil
	})
}

func TestCommandBus_Dispatch(t *testing.T) {
	bus := NewCommandBus()
	bus.Register(echoHandler("AddItem"))

	result, err := bus.Dispatch(context.Background(), addItemCmd{OrderID: "order-1", SKU: "widget", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "order-1", result.AggregateID)
	assert.True(t, bus.HasHandler("AddItem"))
	assert.False(t, bus.HasHandler("RemoveItem"))
}

func TestCommandBus_NoHandler(t *testing.T) {
	bus := NewCommandBus()

	_, err := bus.Dispatch(context.Background(), addItemCmd{OrderID: "order-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandlerNotFound))

	var notFound *HandlerNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "AddItem", notFound.CommandType)
}

func TestCommandBus_NilCommand(t *testing.T) {
	bus := NewCommandBus()
	_, err := bus.Dispatch(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNilCommand))
}

func TestCommandBus_Closed(t *testing.T) {
	bus := NewCommandBus()
	bus.Register(echoHandler("AddItem"))
	require.NoError(t, bus.Close())

	_, err := bus.Dispatch(context.Background(), addItemCmd{OrderID: "order-1"})
	assert.True(t, errors.Is(err, ErrBusClosed))
}

func TestCommandBus_MiddlewareOrder(t *testing.T) {
	var trace []string
	tracer := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, cmd Command) (CommandResult, error) {
				trace = append(trace, name+":before")
				result, err := next(ctx, cmd)
				trace = append(trace, name+":after")
				return result, err
			}
		}
	}

	bus := NewCommandBus(WithBusMiddleware(tracer("outer")))
	bus.Use(tracer("inner"))
	bus.Register(NewCommandHandlerFunc("AddItem", func(ctx context.Context, cmd Command) (CommandResult, error) {
		trace = append(trace, "handler")
		return CommandResult{}, nil
	}))

	_, err := bus.Dispatch(context.Background(), addItemCmd{OrderID: "order-1", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, trace)
}

func TestHandlerRegistry(t *testing.T) {
	registry := NewHandlerRegistry()
	assert.Equal(t, 0, registry.Count())
	assert.Nil(t, registry.Get("AddItem"))

	registry.Register(echoHandler("AddItem"))
	registry.Register(echoHandler("PlaceOrder"))
	assert.Equal(t, 2, registry.Count())
	assert.True(t, registry.Has("AddItem"))
	assert.NotNil(t, registry.Get("PlaceOrder"))

	// re-registration replaces
	registry.Register(echoHandler("AddItem"))
	assert.Equal(t, 2, registry.Count())
}
