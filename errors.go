// Package stratum provides an event-sourced aggregate store with a CQRS
// read-model projector.
//
// Aggregates are consistency boundaries whose current state is always derived
// by folding their event stream through pure transition functions; no stored
// "current state" is authoritative. Commands are validated against rebuilt
// state and committed with optimistic concurrency control, the single
// serialization point per aggregate. Projectors consume the global commit
// order asynchronously, at least once, and maintain denormalized read models
// behind a per-record sequence guard that makes redelivery a safe no-op.
//
// The root package contains the storage-agnostic machinery; pluggable
// backends live under backends/ (in-memory for tests, PostgreSQL for
// production).
package stratum

import (
	"errors"
	"fmt"

	"github.com/stratumhq/stratum/backends"
)

// Sentinel errors. Use errors.Is to check for these; several are aliases of
// the backends package sentinels so backend errors match directly.
var (
	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = backends.ErrConcurrencyConflict

	// ErrAggregateNotFound indicates a stream was requested for an aggregate
	// that was never created.
	ErrAggregateNotFound = backends.ErrAggregateNotFound

	// ErrEmptyAggregateID indicates a blank aggregate ID was provided.
	ErrEmptyAggregateID = backends.ErrEmptyAggregateID

	// ErrNoEvents indicates an append was attempted with an empty batch.
	ErrNoEvents = backends.ErrNoEvents

	// ErrUnknownEventType indicates a rebuild encountered an event type with
	// no registered transition. This is schema drift, not a transient fault.
	ErrUnknownEventType = errors.New("stratum: unknown event type")

	// ErrDomainRuleViolation indicates a command failed a business invariant.
	ErrDomainRuleViolation = errors.New("stratum: domain rule violation")

	// ErrSerializationFailed indicates payload encoding or decoding failed.
	ErrSerializationFailed = errors.New("stratum: serialization failed")

	// ErrNoDefinition indicates no aggregate definition is registered for a type.
	ErrNoDefinition = errors.New("stratum: no aggregate definition registered")

	// ErrNilCommand indicates a nil command was dispatched.
	ErrNilCommand = errors.New("stratum: nil command")

	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("stratum: handler not found")

	// ErrBusClosed indicates the command bus has been closed.
	ErrBusClosed = errors.New("stratum: command bus closed")

	// ErrProjectorRunning indicates the projector was started twice.
	ErrProjectorRunning = errors.New("stratum: projector already running")
)

// ConflictError reports an optimistic concurrency failure with the versions
// involved. Re-exported from backends so callers only import stratum.
type ConflictError = backends.ConflictError

// UnknownEventTypeError reports an event type the rebuilder has no transition
// for. It matches ErrUnknownEventType via errors.Is.
type UnknownEventTypeError struct {
	AggregateType string
	EventType     string
}

// Error returns the error message.
func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("stratum: aggregate type %q has no transition for event type %q",
		e.AggregateType, e.EventType)
}

// Is reports whether this error matches the target error.
func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// Unwrap returns the underlying sentinel for errors.Unwrap.
func (e *UnknownEventTypeError) Unwrap() error {
	return ErrUnknownEventType
}

// NewUnknownEventTypeError creates an UnknownEventTypeError.
func NewUnknownEventTypeError(aggregateType, eventType string) *UnknownEventTypeError {
	return &UnknownEventTypeError{AggregateType: aggregateType, EventType: eventType}
}

// DomainRuleError reports a command rejected by a business rule. Rule is a
// machine-readable identifier; Message is for humans. It matches
// ErrDomainRuleViolation via errors.Is and never causes a retry.
type DomainRuleError struct {
	Rule    string
	Message string
}

// Error returns the error message.
func (e *DomainRuleError) Error() string {
	return fmt.Sprintf("stratum: domain rule %q violated: %s", e.Rule, e.Message)
}

// Is reports whether this error matches the target error.
func (e *DomainRuleError) Is(target error) bool {
	return target == ErrDomainRuleViolation
}

// Unwrap returns the underlying sentinel for errors.Unwrap.
func (e *DomainRuleError) Unwrap() error {
	return ErrDomainRuleViolation
}

// NewDomainRuleError creates a DomainRuleError.
func NewDomainRuleError(rule, message string) *DomainRuleError {
	return &DomainRuleError{Rule: rule, Message: message}
}

// AggregateNotFoundError reports a stream request for a never-created
// aggregate. It matches ErrAggregateNotFound via errors.Is.
type AggregateNotFoundError struct {
	AggregateID string
}

// Error returns the error message.
func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("stratum: aggregate %q does not exist", e.AggregateID)
}

// Is reports whether this error matches the target error.
func (e *AggregateNotFoundError) Is(target error) bool {
	return target == ErrAggregateNotFound
}

// Unwrap returns the underlying sentinel for errors.Unwrap.
func (e *AggregateNotFoundError) Unwrap() error {
	return ErrAggregateNotFound
}

// NewAggregateNotFoundError creates an AggregateNotFoundError.
func NewAggregateNotFoundError(aggregateID string) *AggregateNotFoundError {
	return &AggregateNotFoundError{AggregateID: aggregateID}
}

// SerializationError reports a payload encode/decode failure for a specific
// event type. It matches ErrSerializationFailed via errors.Is.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("stratum: failed to %s event type %q: %v",
		e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap.
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType: eventType,
		Operation: operation,
		Cause:     cause,
	}
}
