// Package errors provides the typed error categories shared across the
// bootstrap packages, so callers can distinguish "retry this" from "give
// up" without string matching on error text.
package errors

import "fmt"

// ErrorType provides a coarse category for BootstrapErrors.
type ErrorType int

const (
	// InternalServer covers bugs and unexpected local failures.
	InternalServer ErrorType = iota
	// Malformed covers PEM or ASN.1 data that failed to parse.
	Malformed
	// NotReady covers a CA that has not yet issued a requested artifact.
	NotReady
	// KeyMismatch covers a certificate whose public key does not match
	// the private key it is meant to pair with.
	KeyMismatch
	// Server covers a non-2xx response from the CA that isn't one of
	// the specifically handled idempotency cases.
	Server
	// Network covers transport-level failures talking to the CA.
	Network
)

// BootstrapError represents a categorized failure from the SSL bootstrap
// state machine or one of its collaborators.
type BootstrapError struct {
	Type   ErrorType
	Detail string
}

func (be *BootstrapError) Error() string {
	return be.Detail
}

// New is a convenience function for creating a new BootstrapError.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &BootstrapError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is reports whether err is a BootstrapError of the given type.
func Is(err error, errType ErrorType) bool {
	bErr, ok := err.(*BootstrapError)
	if !ok {
		return false
	}
	return bErr.Type == errType
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func NotReadyError(msg string, args ...interface{}) error {
	return New(NotReady, msg, args...)
}

func KeyMismatchError(msg string, args ...interface{}) error {
	return New(KeyMismatch, msg, args...)
}

func ServerError(msg string, args ...interface{}) error {
	return New(Server, msg, args...)
}

func NetworkError(msg string, args ...interface{}) error {
	return New(Network, msg, args...)
}
