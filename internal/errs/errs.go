// Package errs defines the error taxonomy shared across every Anya-Core
// subsystem. Every core error is a *CoreError so that API-facing callers can
// switch on Kind without depending on the concrete producing package.
package errs

import "fmt"

// Kind is part of the public contract; the accompanying message is not.
type Kind string

const (
	ConfigError     Kind = "ConfigError"
	TransportError  Kind = "TransportError"
	RpcError        Kind = "RpcError"
	Timeout         Kind = "Timeout"
	NotConnected    Kind = "NotConnected"
	Rejected        Kind = "Rejected"
	InvalidInput    Kind = "InvalidInput"
	Unsupported     Kind = "Unsupported"
	AuthFailed      Kind = "AuthFailed"
	ScopeDenied     Kind = "ScopeDenied"
	KeyNotFound     Kind = "KeyNotFound"
	KeyStateInvalid Kind = "KeyStateInvalid"
	AlgorithmMismatch Kind = "AlgorithmMismatch"
	CryptoError     Kind = "CryptoError"
	NonceExhausted  Kind = "NonceExhausted"
	Conflict        Kind = "Conflict"
	NotFound        Kind = "NotFound"
	Busy            Kind = "Busy"
	Corrupt         Kind = "Corrupt"
	IoError         Kind = "IoError"
	SchemaMismatch  Kind = "SchemaMismatch"
	Fatal           Kind = "Fatal"
)

// CoreError is the structured error every core-facing API returns.
type CoreError struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *CoreError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s [correlation_id=%s]", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.cause }

// New builds a CoreError with no wrapped cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap attaches a Kind and correlation-free message to an existing error,
// preserving it for errors.Is/As unwrapping.
func Wrap(kind Kind, cause error, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message, cause: cause}
}

// WithCorrelation returns a copy of e carrying the given correlation id.
func WithCorrelation(e *CoreError, correlationID string) *CoreError {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// Is reports whether err is a *CoreError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}
	return ce.Kind == kind
}
