package protocol

import (
	"fmt"
	"runtime/debug"
)

// Canonical error messages carried in ERROR frames.
const (
	MsgAuthenticationFailed = "Authentication Failed"
	MsgMethodNotFound       = "Method Not Found"
	MsgMethodForbidden      = "Method Forbidden"
	MsgInvalidParams        = "Invalid Params"
	MsgInvalidRequest       = "Invalid Request"
	MsgParseError           = "Parse Error"
	MsgInternalError        = "Internal Error"
	MsgRateLimitExceeded    = "Rate Limit Exceeded"
	MsgEventNotFound        = "Event Not Found"
	MsgEventForbidden       = "Event Forbidden"
	MsgEventNotSubscribed   = "Event Not Subscribed"
	MsgInvalidToken         = "Invalid Token"
)

// Error is the structured error carried across the wire. Public errors keep
// their message; everything else collapses to Internal Error before leaving
// the server, with the stack retained for operators.
type Error struct {
	Message string
	Errors  []string // structured detail list, e.g. schema violations
	Stack   string
	Public  bool
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on the canonical message so callers can compare against the
// predeclared errors below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == e.Message
}

// NewPublicError builds an error whose message survives to the client.
func NewPublicError(message string) *Error {
	return &Error{Message: message, Public: true}
}

// NewInternalError wraps an unexpected failure. The original message is
// hidden from the client; the stack travels in the frame for operators.
func NewInternalError(cause error) *Error {
	return &Error{
		Message: MsgInternalError,
		Stack:   string(debug.Stack()),
		cause:   cause,
	}
}

// NewParseError reports an undecodable inbound frame.
func NewParseError(cause error) *Error {
	return &Error{Message: MsgParseError, Public: true, cause: cause}
}

// NewInvalidParamsError carries a structured list of schema violations.
func NewInvalidParamsError(violations []string) *Error {
	return &Error{Message: MsgInvalidParams, Public: true, Errors: violations}
}

// Sanitize maps an arbitrary handler error to the frame-safe form: public
// protocol errors pass through, anything else becomes Internal Error.
func Sanitize(err error) *Error {
	if perr, ok := err.(*Error); ok && perr.Public {
		return perr
	}
	return NewInternalError(err)
}

// Predeclared public errors for the dispatch paths.
var (
	ErrAuthenticationFailed = NewPublicError(MsgAuthenticationFailed)
	ErrMethodNotFound       = NewPublicError(MsgMethodNotFound)
	ErrMethodForbidden      = NewPublicError(MsgMethodForbidden)
	ErrInvalidRequest       = NewPublicError(MsgInvalidRequest)
	ErrRateLimitExceeded    = NewPublicError(MsgRateLimitExceeded)
	ErrEventNotFound        = NewPublicError(MsgEventNotFound)
	ErrEventForbidden       = NewPublicError(MsgEventForbidden)
	ErrEventNotSubscribed   = NewPublicError(MsgEventNotSubscribed)
	ErrInvalidToken         = NewPublicError(MsgInvalidToken)
)

// ErrorFromFrame converts an ERROR frame back into an Error on the
// receiving side.
func ErrorFromFrame(f Frame) *Error {
	return &Error{
		Message: f.Message,
		Errors:  f.Errors,
		Stack:   f.Stack,
		Public:  true,
	}
}
