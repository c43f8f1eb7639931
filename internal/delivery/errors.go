package delivery

import (
	"errors"
	"fmt"
)

// Class categorizes delivery failures.
//
// Transient failures (network errors, timeouts, 5xx) are retried with
// backoff and fully contained inside the queue - the caller of enqueue
// never sees them. Rejected failures (4xx, malformed batch, response count
// mismatch) drop the batch and surface through the registered error
// callback exactly once; resending a rejected batch would loop forever.
type Class string

const (
	ClassTransient Class = "transient"
	ClassRejected  Class = "rejected"
)

// Error is a classified delivery failure for one batch attempt.
type Error struct {
	Class Class

	// Status is the HTTP status code, or 0 for network-level failures.
	Status int

	// IDs are the request ids of the affected batch.
	IDs []string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s delivery failure (status %d, %d requests): %v",
			e.Class, e.Status, len(e.IDs), e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s delivery failure (%d requests): %v",
			e.Class, len(e.IDs), e.Err)
	default:
		return fmt.Sprintf("%s delivery failure (status %d, %d requests)",
			e.Class, e.Status, len(e.IDs))
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient returns true for retry-eligible failures.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Class == ClassTransient
}

// IsRejected returns true for permanent application-level rejections.
// Uses errors.As to handle wrapped errors.
func IsRejected(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Class == ClassRejected
}

func newTransient(status int, ids []string, cause error) *Error {
	return &Error{Class: ClassTransient, Status: status, IDs: ids, Err: cause}
}

func newRejected(status int, ids []string, cause error) *Error {
	return &Error{Class: ClassRejected, Status: status, IDs: ids, Err: cause}
}
