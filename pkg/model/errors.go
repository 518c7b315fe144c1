package model

import "fmt"

// ErrorKind categorizes failures the scheduling core can return to a
// foreground caller. It deliberately mirrors the taxonomy an HTTP layer
// would map to status codes, without depending on net/http itself.
type ErrorKind string

const (
	ErrUnauthenticated ErrorKind = "UNAUTHENTICATED"
	ErrForbidden       ErrorKind = "FORBIDDEN"
	ErrNotFound        ErrorKind = "NOT_FOUND"
	ErrInvalidArgument ErrorKind = "INVALID_ARGUMENT"
	ErrNotCancellable  ErrorKind = "NOT_CANCELLABLE"
	ErrExecutionFailed ErrorKind = "EXECUTION_FAILED"
	ErrInternal        ErrorKind = "INTERNAL"
)

// Error is the core's error type. Foreground operations (submit, get,
// cancel) return it synchronously; background execution failures are
// instead captured into a Job's ErrorMessage field and reflected by
// status FAILED (see scheduler.Scheduler's execution wrapper, runJob).
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Unauthenticated(message string) *Error { return newErr(ErrUnauthenticated, message) }
func Forbidden(message string) *Error       { return newErr(ErrForbidden, message) }
func NotFound(message string) *Error        { return newErr(ErrNotFound, message) }
func InvalidArgument(message string) *Error { return newErr(ErrInvalidArgument, message) }
func NotCancellable(message string) *Error  { return newErr(ErrNotCancellable, message) }
func Internal(message string, cause error) *Error {
	return &Error{Kind: ErrInternal, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err, returning ErrInternal for any
// error that isn't one of ours.
func KindOf(err error) ErrorKind {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Kind
	}
	return ErrInternal
}

// As is a tiny local errors.As to avoid importing the stdlib errors
// package purely for its one call site, KindOf above.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
