package stratum

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ValidationMiddleware rejects structurally invalid commands before they
// reach the handler.
func ValidationMiddleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if vc, ok := cmd.(ValidatingCommand); ok {
				if err := vc.Validate(); err != nil {
					return CommandResult{}, err
				}
			}
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware converts handler panics into errors so one bad handler
// cannot take down a dispatching goroutine.
func RecoveryMiddleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("stratum: handler for %q panicked: %v\n%s",
						cmd.CommandType(), r, debug.Stack())
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs each dispatch with its outcome and duration.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			if err != nil {
				logger.Error("command failed",
					"command_type", cmd.CommandType(),
					"duration", time.Since(start),
					"error", err,
				)
				return result, err
			}
			logger.Info("command handled",
				"command_type", cmd.CommandType(),
				"aggregate_id", result.AggregateID,
				"version", result.Version,
				"events", len(result.Events),
				"duration", time.Since(start),
			)
			return result, nil
		}
	}
}

// TimeoutMiddleware bounds how long a dispatch may run.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID carried by the context,
// or empty.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID returns a context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationMiddleware ensures every dispatch runs with a correlation ID in
// its context, generating one when absent.
func CorrelationMiddleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) == "" {
				ctx = WithCorrelationID(ctx, uuid.New().String())
			}
			return next(ctx, cmd)
		}
	}
}
