package input

import (
	"errors"
	"fmt"

	"suis/internal/datamap"
)

var (
	// ErrUnknownID is returned when an operation names a method, handler or field that
	// does not exist (or no longer exists).
	ErrUnknownID = errors.New("unknown id")

	// ErrMapInvalid is returned when a datamap is not a well-formed map.
	ErrMapInvalid = datamap.ErrInvalid

	// ErrHandlerFailure marks a handler that errored, panicked or timed out during delivery.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrFieldUnavailable marks a handler whose field has been destroyed. It is reported
	// in logs and metrics, never returned to callers.
	ErrFieldUnavailable = errors.New("field unavailable")

	// ErrInvalidGeometry is returned for poses or payloads with non-finite or
	// out-of-range values.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrWrongKind is returned when a kind-specific operation targets another kind of method.
	ErrWrongKind = errors.New("wrong method kind")
)

// Entity names what an Error refers to.
type Entity string

const (
	EntityMethod  Entity = "method"
	EntityHandler Entity = "handler"
	EntityField   Entity = "field"
)

// Error attaches the offending entity to one of the sentinel errors above.
type Error struct {
	Op     string
	Entity Entity
	ID     uint64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %d: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UnknownMethod builds the error returned for a stale or missing method id.
func UnknownMethod(op string, id MethodID) error {
	return &Error{Op: op, Entity: EntityMethod, ID: uint64(id), Err: ErrUnknownID}
}

// UnknownHandler builds the error returned for a stale or missing handler id.
func UnknownHandler(op string, id HandlerID) error {
	return &Error{Op: op, Entity: EntityHandler, ID: uint64(id), Err: ErrUnknownID}
}

// HandlerFailure wraps the cause of a failed delivery.
func HandlerFailure(id HandlerID, cause error) error {
	return &Error{Op: "deliver", Entity: EntityHandler, ID: uint64(id), Err: fmt.Errorf("%w: %v", ErrHandlerFailure, cause)}
}
