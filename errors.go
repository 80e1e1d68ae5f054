package dbinspect

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the protocol error surface. Every error that
// crosses the wire carries exactly one Kind.
type Kind string

const (
	// KindConnection covers unreachable database, authentication failure,
	// and connection replacement failure. Fatal at startup, per-request
	// afterwards.
	KindConnection Kind = "ConnectionError"

	// KindPoolExhausted means an acquire timed out waiting for a free
	// connection slot. Retryable by the caller.
	KindPoolExhausted Kind = "PoolExhausted"

	// KindInvalidQuery means the statement failed read-only classification
	// or was rejected by the database. Such statements never mutate state.
	KindInvalidQuery Kind = "InvalidQueryError"

	// KindQueryTimeout means execution exceeded the configured limit. The
	// statement was cancelled server-side and its connection evicted.
	KindQueryTimeout Kind = "QueryTimeoutError"

	// KindSchemaIntrospection means a catalog query failed. The schema
	// cache keeps its prior state.
	KindSchemaIntrospection Kind = "SchemaIntrospectionError"

	// KindProtocol means the request structure was malformed or named an
	// unknown method.
	KindProtocol Kind = "ProtocolError"
)

// Error is the single error type surfaced to protocol clients.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf builds an *Error with a formatted message. A trailing %w verb wraps
// the cause so errors.Is/As keep working through the taxonomy boundary.
func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), cause: errors.Unwrap(err)}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
