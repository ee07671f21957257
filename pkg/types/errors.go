package types

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrNotRegistered = errors.New("type is not registered in the cache store")
	ErrInvalidName   = errors.New("invalid type name")
)

// Operation errors. ErrTransport wraps every failed request, whether the
// backend answered with a non-ok status or the request never completed.
var (
	ErrTransport     = errors.New("transport error")
	ErrMalformedBody = errors.New("malformed response body")
	ErrMissingEntity = errors.New("response does not contain the entity")
	ErrMissingID     = errors.New("entity has no id")
	ErrNoData        = errors.New("record has no data")
	ErrInvalidSort   = errors.New("invalid sort column")
)

// TransportError describes a failed backend request. Op is the verb used in
// the message ("fetch", "create", "update", "delete").
type TransportError struct {
	Op         string
	Status     int
	StatusText string
	Err        error
}

// Error renders the message stored on the affected records, for example
// "Failed to fetch: Not Found".
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("Failed to %s: %s", e.Op, e.StatusText)
}

// Unwrap lets errors.Is match both ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

// NotRegistered returns an ErrNotRegistered error naming the type.
func NotRegistered(singular string) error {
	return fmt.Errorf("type %s: %w", singular, ErrNotRegistered)
}
