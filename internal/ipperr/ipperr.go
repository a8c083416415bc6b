// Package ipperr defines the error taxonomy handlers and the Dispatcher
// use to talk about IPP failures without leaking internal detail to the
// client.
package ipperr

import (
	"fmt"

	"github.com/OpenPrinting/goipp"
)

// Error is a typed IPP failure: a status code, a client-facing message,
// and the attributes the client asked for that the server could not
// honor (echoed back in the unsupported-attributes group).
type Error struct {
	Status      goipp.Status
	Message     string
	Unsupported []goipp.Attribute

	// cause is logged but never rendered into Message; it's the
	// internal collaborator error that produced this Error, if any.
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with a status and a client-facing message.
func New(status goipp.Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries cause for logging, but never echoes
// cause's text to the client; message is the only text the caller sees.
func Wrap(status goipp.Status, cause error, message string) *Error {
	return &Error{Status: status, Message: message, cause: cause}
}

// WithUnsupported attaches the attributes the server rejected.
func (e *Error) WithUnsupported(attrs ...goipp.Attribute) *Error {
	e.Unsupported = append(e.Unsupported, attrs...)
	return e
}

// Convenience constructors for the status codes the daemon must be
// able to produce.

func BadRequest(format string, args ...any) *Error {
	return New(goipp.StatusErrorBadRequest, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(goipp.StatusErrorForbidden, format, args...)
}

func NotAuthenticated(format string, args ...any) *Error {
	return New(goipp.StatusErrorNotAuthenticated, format, args...)
}

func NotAuthorized(format string, args ...any) *Error {
	return New(goipp.StatusErrorNotAuthorized, format, args...)
}

func NotPossible(format string, args ...any) *Error {
	return New(goipp.StatusErrorNotPossible, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(goipp.StatusErrorNotFound, format, args...)
}

func CharsetNotSupported(format string, args ...any) *Error {
	return New(goipp.StatusErrorCharset, format, args...)
}

func AttributesNotSupported(format string, args ...any) *Error {
	return New(goipp.StatusErrorAttributesOrValues, format, args...)
}

func DocumentFormatNotSupported(format string, args ...any) *Error {
	return New(goipp.StatusErrorDocumentFormatNotSupported, format, args...)
}

func RequestValueTooLong(format string, args ...any) *Error {
	return New(goipp.StatusErrorRequestValue, format, args...)
}

func TooManySubscriptions(format string, args ...any) *Error {
	return New(goipp.StatusErrorTooManySubscriptions, format, args...)
}

func InternalError(cause error) *Error {
	return Wrap(goipp.StatusErrorInternal, cause, "internal server error")
}

func OperationNotSupported(op goipp.Op) *Error {
	return New(goipp.StatusErrorOperationNotSupported, "operation %s not supported", op)
}

func VersionNotSupported(v goipp.Version) *Error {
	return New(goipp.StatusErrorVersionNotSupported, "protocol version %s not supported", v)
}

func DeviceError(format string, args ...any) *Error {
	return New(goipp.StatusErrorDevice, format, args...)
}

// As extracts an *Error from err, the way callers that only have an
// error (not necessarily *Error) recover the status to report.
func As(err error) (*Error, bool) {
	ierr, ok := err.(*Error)
	return ierr, ok
}

// Status returns the IPP status the Dispatcher should report for err,
// defaulting to server-error-internal-error for anything that isn't
// already an *Error — the propagation-policy rule that collaborator
// errors never reach the client as-is.
func Status(err error) goipp.Status {
	if err == nil {
		return goipp.StatusOk
	}
	if ierr, ok := As(err); ok {
		return ierr.Status
	}
	return goipp.StatusErrorInternal
}

// ClientMessage returns the text safe to put in status-message, never
// exposing a bare collaborator error's Error() text.
func ClientMessage(err error) string {
	if err == nil {
		return ""
	}
	if ierr, ok := As(err); ok {
		return ierr.Message
	}
	return "internal server error"
}
