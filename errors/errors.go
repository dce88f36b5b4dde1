// Package errors provides error types and handling for upload engine operations.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error represents an upload operation error with context about the operation
// that failed. It wraps the underlying transport or engine error with
// additional context for better debugging.
type Error struct {
	// Op is the operation that failed (e.g., "initChunkUpload", "uploadChunk")
	Op string

	// Item is the upload item id (if applicable)
	Item string

	// Path is the file or folder path involved (if applicable)
	Path string

	// Status is the HTTP status code returned by the server, 0 if none
	Status int

	// Err is the underlying error from the transport or other source
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	switch {
	case e.Item != "" && e.Path != "":
		return fmt.Sprintf("upload.%s item %s (%s): %v", e.Op, e.Item, e.Path, e.Err)
	case e.Item != "":
		return fmt.Sprintf("upload.%s item %s: %v", e.Op, e.Item, e.Err)
	case e.Path != "":
		return fmt.Sprintf("upload.%s %s: %v", e.Op, e.Path, e.Err)
	default:
		return fmt.Sprintf("upload.%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithItem adds upload item context to an existing error.
func (e *Error) WithItem(id string) *Error {
	e.Item = id
	return e
}

// WithPath adds file or folder path context to an existing error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithStatus records the HTTP status code the server answered with.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// Sentinel errors for common upload engine failures.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("upload: invalid input")

	// ErrItemNotFound indicates that no item with the requested id exists
	ErrItemNotFound = errors.New("upload: item not found")

	// ErrInvalidTransition indicates a state transition the item's current
	// status does not allow
	ErrInvalidTransition = errors.New("upload: invalid status transition")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("upload: operation timeout")

	// ErrConnection indicates a connection error
	ErrConnection = errors.New("upload: connection error")

	// ErrTooManyRequests indicates that the server is throttling requests
	ErrTooManyRequests = errors.New("upload: too many requests")

	// ErrServerUnavailable indicates a server-side (5xx) failure
	ErrServerUnavailable = errors.New("upload: server unavailable")

	// ErrSessionInvalid indicates that a chunked upload session no longer
	// matches what the server expects and must be re-initialized
	ErrSessionInvalid = errors.New("upload: session invalid")

	// ErrFolderNotFound indicates that a destination folder could not be
	// resolved or created
	ErrFolderNotFound = errors.New("upload: folder not found")

	// ErrPolicyUnavailable indicates that the server upload policy could not
	// be fetched
	ErrPolicyUnavailable = errors.New("upload: policy unavailable")
)

// transientPatterns are error message fragments that indicate a problem worth
// retrying even when no status code or sentinel is attached.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected EOF",
	"temporarily unavailable",
	"network is unreachable",
	"no such host",
}

// IsRetriable reports whether a part upload failure should be retried.
// Cancellation is never retriable; otherwise an error is retriable if it
// carries a transient sentinel, an HTTP status of 408, 429 or >= 500, or a
// message matching a known network/timeout pattern.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTooManyRequests) ||
		errors.Is(err, ErrServerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if status := StatusCode(err); status != 0 {
		return status == 408 || status == 429 || status >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// StatusCode extracts the HTTP status code carried by an error chain,
// returning 0 when none is present.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsCancellation reports whether an error represents cooperative
// cancellation rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
