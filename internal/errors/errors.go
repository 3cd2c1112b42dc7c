// Package errors provides structured error types for the DAP relay.
// Every failure that reaches the IDE as a failed response carries one of
// these codes so callers can tell configuration mistakes apart from
// connection loss or timeouts.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Stream errors
	CodeFraming ErrorCode = "FRAMING_ERROR"

	// Launch/attach argument errors
	CodeConfiguration    ErrorCode = "CONFIGURATION_ERROR"
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Dial/accept/spawn errors
	CodeConnection ErrorCode = "CONNECTION_ERROR"
	CodeSpawn      ErrorCode = "SPAWN_ERROR"

	// Bounded waits
	CodeTimeout ErrorCode = "TIMEOUT"

	// Lifecycle
	CodeTerminated      ErrorCode = "TERMINATED"
	CodeNoSession       ErrorCode = "NO_SESSION"
	CodeSessionLimit    ErrorCode = "SESSION_LIMIT_REACHED"
	CodeUnsupported     ErrorCode = "UNSUPPORTED_REQUEST"
	CodeAlreadyLaunched ErrorCode = "ALREADY_LAUNCHED"

	CodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// RelayError is a structured error. Message is what ends up in the
// "message" field of a failed DAP response, so it must stand on its own.
type RelayError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is the user-visible description
	Message string `json:"message"`

	// Hint provides actionable guidance; it is logged, not sent to the IDE
	Hint string `json:"hint,omitempty"`

	// Details contains additional context for logging
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *RelayError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *RelayError) WithDetails(key string, value interface{}) *RelayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *RelayError) WithCause(err error) *RelayError {
	e.Cause = err
	return e
}

// --- Stream Errors ---

// Framing creates an error for a malformed header block or body.
func Framing(reason string, raw []byte) *RelayError {
	e := &RelayError{
		Code:    CodeFraming,
		Message: reason,
	}
	if raw != nil {
		e.WithDetails("raw", string(raw))
	}
	return e
}

// --- Configuration Errors ---

// Configuration creates an error for a launch or attach argument that cannot
// be honored. The message is sent to the IDE verbatim.
func Configuration(message string) *RelayError {
	return &RelayError{
		Code:    CodeConfiguration,
		Message: message,
	}
}

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName string) *RelayError {
	return &RelayError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("'%s' must be specified", paramName),
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *RelayError {
	return &RelayError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("Invalid value for '%s': %v (expected %s)", paramName, value, expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// --- Connection Errors ---

// Connection creates an error for a failed dial to a listening backend.
func Connection(host string, port int, err error) *RelayError {
	return &RelayError{
		Code:    CodeConnection,
		Message: fmt.Sprintf("Error when connecting to host:%s, port:%d. Error: %v", host, port, err),
		Hint:    "Check that the debugger backend is running and listening on that address.",
		Cause:   err,
		Details: map[string]interface{}{
			"host": host,
			"port": port,
		},
	}
}

// SpawnFailed creates an error when the target process cannot be started.
func SpawnFailed(cmdline []string, err error) *RelayError {
	return &RelayError{
		Code:    CodeSpawn,
		Message: fmt.Sprintf("Error launching %s: %v", strings.Join(cmdline, " "), err),
		Hint:    "Check that the interpreter path is correct.",
		Cause:   err,
	}
}

// --- Timeouts ---

// Timeout creates an error for a bounded wait that expired. The message is
// sent to the IDE verbatim.
func Timeout(message string) *RelayError {
	return &RelayError{
		Code:    CodeTimeout,
		Message: message,
	}
}

// --- Lifecycle Errors ---

// Terminated creates an error for work attempted after the backend went away.
func Terminated(operation string) *RelayError {
	return &RelayError{
		Code:    CodeTerminated,
		Message: fmt.Sprintf("Debug session terminated before %s completed.", operation),
	}
}

// NoSession creates an error for a forwarded request with no live backend.
func NoSession() *RelayError {
	return &RelayError{
		Code:    CodeNoSession,
		Message: "No debug session is active.",
		Hint:    "Send a launch or attach request first.",
	}
}

// Unsupported creates an error for a request the relay has no handler for.
func Unsupported(command string) *RelayError {
	return &RelayError{
		Code:    CodeUnsupported,
		Message: fmt.Sprintf("Unsupported request: %s", command),
	}
}

// AlreadyLaunched creates an error for a second launch/attach on one session.
func AlreadyLaunched() *RelayError {
	return &RelayError{
		Code:    CodeAlreadyLaunched,
		Message: "A launch or attach request was already handled.",
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *RelayError {
	return &RelayError{
		Code:    CodeSessionLimit,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// --- Helpers ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, err error) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// FromError creates a RelayError from a generic error, attempting to preserve any existing structure
func FromError(err error) *RelayError {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re
	}
	return &RelayError{
		Code:    CodeUnknown,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsCode reports whether any RelayError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsConnectionError returns true if the error indicates a failed dial, accept or spawn.
func IsConnectionError(err error) bool {
	return IsCode(err, CodeConnection) || IsCode(err, CodeSpawn)
}

// IsTimeout returns true if the error is a bounded wait that expired.
func IsTimeout(err error) bool {
	return IsCode(err, CodeTimeout)
}
