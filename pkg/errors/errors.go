package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// ErrorType categorizes domain errors so callers can branch on them
type ErrorType string

const (
	// ErrorTypeTimeout means a lock or resource could not be acquired within the caller's budget
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeNotFound means the tracking id is not present in the registry
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeProcessNotRunning means the operation needs a live process but the handler is terminal
	ErrorTypeProcessNotRunning ErrorType = "process_not_running"

	// ErrorTypeInvalidPattern means a search pattern or search type is malformed
	ErrorTypeInvalidPattern ErrorType = "invalid_pattern"

	// ErrorTypeIO means a pipe read or write failed for a reason other than process exit
	ErrorTypeIO ErrorType = "io"

	// ErrorTypeSpawn means the OS rejected process creation
	ErrorTypeSpawn ErrorType = "spawn"

	// ErrorTypeConflict means the operation conflicts with the current process state
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeValidation means an argument is invalid
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeCancelled means the caller cancelled the operation
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeInternal means an unexpected internal failure
	ErrorTypeInternal ErrorType = "internal"
)

// DomainError is the single error type surfaced by the public API
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString("]")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by type, so errors.Is(err, &DomainError{Type: ...}) works
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// WithContext attaches a key/value pair for diagnostics and returns the same error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

func NewTimeoutError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeTimeout, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeNotFound, message, cause)
}

func NewProcessNotRunningError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeProcessNotRunning, message, cause)
}

func NewInvalidPatternError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeInvalidPattern, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeIO, message, cause)
}

func NewSpawnError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeSpawn, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeConflict, message, cause)
}

func NewValidationError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeValidation, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeCancelled, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeInternal, message, cause)
}

// TypeOf returns the ErrorType of the first DomainError in err's chain, or "" if none
func TypeOf(err error) ErrorType {
	var de *DomainError
	if stderrors.As(err, &de) {
		return de.Type
	}
	return ""
}

func isType(err error, errorType ErrorType) bool {
	return err != nil && TypeOf(err) == errorType
}

func IsTimeoutError(err error) bool           { return isType(err, ErrorTypeTimeout) }
func IsNotFoundError(err error) bool          { return isType(err, ErrorTypeNotFound) }
func IsProcessNotRunningError(err error) bool { return isType(err, ErrorTypeProcessNotRunning) }
func IsInvalidPatternError(err error) bool    { return isType(err, ErrorTypeInvalidPattern) }
func IsIOError(err error) bool                { return isType(err, ErrorTypeIO) }
func IsSpawnError(err error) bool             { return isType(err, ErrorTypeSpawn) }
func IsConflictError(err error) bool          { return isType(err, ErrorTypeConflict) }
func IsValidationError(err error) bool        { return isType(err, ErrorTypeValidation) }
func IsCancelledError(err error) bool         { return isType(err, ErrorTypeCancelled) }
func IsInternalError(err error) bool          { return isType(err, ErrorTypeInternal) }

// IsAlreadyClosed reports whether err comes from using a file or pipe that was already closed
func IsAlreadyClosed(err error) bool {
	return stderrors.Is(err, os.ErrClosed)
}

// IsDeadlineExceeded reports whether err is an I/O deadline expiry on a file or pipe
func IsDeadlineExceeded(err error) bool {
	return stderrors.Is(err, os.ErrDeadlineExceeded)
}

// FromContext converts a finished context into a Timeout or Cancelled domain error.
// Returns nil if ctx is still live.
func FromContext(ctx context.Context, operation string) error {
	ctxErr := ctx.Err()
	switch {
	case ctxErr == nil:
		return nil
	case stderrors.Is(ctxErr, context.DeadlineExceeded):
		return NewTimeoutError(operation+" timed out", ctxErr)
	default:
		return NewCancelledError(operation+" was cancelled", ctxErr)
	}
}

// ErrorCollection accumulates errors from batch work
type ErrorCollection struct {
	err error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

func (c *ErrorCollection) Add(err error) {
	c.err = multierr.Append(c.err, err)
}

func (c *ErrorCollection) HasErrors() bool {
	return c.err != nil
}

func (c *ErrorCollection) Errors() []error {
	return multierr.Errors(c.err)
}

func (c *ErrorCollection) Error() string {
	if c.err == nil {
		return ""
	}
	return c.err.Error()
}

// ToError returns nil when empty so it can be returned directly
func (c *ErrorCollection) ToError() error {
	return c.err
}
