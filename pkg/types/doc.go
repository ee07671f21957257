// Package types defines the Cache, Container, and Transport interfaces, the
// wrapped entity Record, sort columns, configuration, and the standard error
// types for the pantry entity cache.
//
// A Record wraps an opaque backend payload in a fixed metadata envelope
// (State, Error, ErrorMessage). The envelope keeps three fields in lock step:
// Error is true exactly when State is StateError, and ErrorMessage is non-nil
// exactly when Error is true. Use the constructors in record.go rather than
// building records by hand.
package types
