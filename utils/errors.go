package utils

import (
	"fmt"

	"github.com/pkg/errors"
)

// A HierarchyEntryNotFoundError is returned when the hierarchy blob governing a node has
// been fetched and parsed but contains no entry for that node. Retrying the same blob will
// never produce the entry, so the failure is definitive.
type HierarchyEntryNotFoundError struct {
	ID string
}

func (e *HierarchyEntryNotFoundError) Error() string {
	return fmt.Sprintf("hierarchy entry %q not found", e.ID)
}

// NewHierarchyEntryNotFoundError is used when a node id is missing from its hierarchy blob.
func NewHierarchyEntryNotFoundError(id string) error {
	return &HierarchyEntryNotFoundError{ID: id}
}

// IsHierarchyEntryNotFoundError returns if the given error is any kind of missing hierarchy entry error.
func IsHierarchyEntryNotFoundError(err error) bool {
	var target *HierarchyEntryNotFoundError
	return errors.As(err, &target)
}

// A TransientNetworkError wraps a failure that may succeed if tried again later, such as a
// timeout, a 5xx status or a reset connection.
type TransientNetworkError struct {
	URL    string
	Reason error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error fetching %q: %v", e.URL, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *TransientNetworkError) Unwrap() error {
	return e.Reason
}

// NewTransientNetworkError is used when a fetch fails in a retryable way.
func NewTransientNetworkError(url string, reason error) error {
	return &TransientNetworkError{URL: url, Reason: reason}
}

// IsTransientNetworkError returns if the given error is retryable.
func IsTransientNetworkError(err error) bool {
	var target *TransientNetworkError
	return errors.As(err, &target)
}

// A RequestError is a non-retryable transport failure, for instance a 404 or 403 status.
type RequestError struct {
	URL        string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request for %q failed with status %d", e.URL, e.StatusCode)
}

// NewRequestError is used when the remote rejects a request definitively.
func NewRequestError(url string, statusCode int) error {
	return &RequestError{URL: url, StatusCode: statusCode}
}

// IsRequestError returns if the given error is a definitive transport error.
func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}

// A MalformedFormatError is returned for corrupt headers, inconsistent record lengths or
// unparseable hierarchy bytes.
type MalformedFormatError struct {
	What   string
	Reason string
}

func (e *MalformedFormatError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.What, e.Reason)
}

// NewMalformedFormatError is used when bytes do not follow the declared format.
func NewMalformedFormatError(what, reason string) error {
	return &MalformedFormatError{What: what, Reason: reason}
}

// NewMalformedFormatErrorf is NewMalformedFormatError with a formatted reason.
func NewMalformedFormatErrorf(what, format string, args ...interface{}) error {
	return &MalformedFormatError{What: what, Reason: fmt.Sprintf(format, args...)}
}

// IsMalformedFormatError returns if the given error is a malformed format error.
func IsMalformedFormatError(err error) bool {
	var target *MalformedFormatError
	return errors.As(err, &target)
}

// A DecodeError is returned when a codec fails to expand point records.
type DecodeError struct {
	Codec  string
	Reason error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s point data: %v", e.Codec, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Reason
}

// NewDecodeError is used when decompression of a point chunk fails.
func NewDecodeError(codec string, reason error) error {
	return &DecodeError{Codec: codec, Reason: reason}
}

// IsDecodeError returns if the given error is a codec failure.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// A CancelledCommandError is the signal a queued command is rejected with when the caller
// withdraws interest before it is dispatched. It is not a failure.
type CancelledCommandError struct {
	CommandID string
}

func (e *CancelledCommandError) Error() string {
	return fmt.Sprintf("command %s cancelled", e.CommandID)
}

// NewCancelledCommandError is used when a command is removed from its queue.
func NewCancelledCommandError(commandID string) error {
	return &CancelledCommandError{CommandID: commandID}
}

// IsCancelledCommandError returns if the given error is a cancellation signal.
func IsCancelledCommandError(err error) bool {
	var target *CancelledCommandError
	return errors.As(err, &target)
}

// IsDefinitiveError returns whether retrying the operation that produced err can never
// succeed. Cancellations and transient network errors are not definitive; nil is not
// definitive either.
func IsDefinitiveError(err error) bool {
	switch {
	case err == nil:
		return false
	case IsCancelledCommandError(err), IsTransientNetworkError(err):
		return false
	case IsHierarchyEntryNotFoundError(err), IsMalformedFormatError(err),
		IsDecodeError(err), IsRequestError(err):
		return true
	default:
		return false
	}
}

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}
