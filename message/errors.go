package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a framework failure. Kinds travel inside responses, so the
// string values are part of the wire contract.
type Kind string

const (
	KindTypeMismatch     Kind = "type-mismatch"     // Encoder received the wrong envelope type
	KindNoProvider       Kind = "no-provider"       // Discovery found no endpoint for the service key
	KindTransportClosed  Kind = "transport-closed"  // Connection died with the call pending
	KindTimeout          Kind = "timeout"           // Per-call deadline exceeded
	KindMethodNotFound   Kind = "method-not-found"  // Server could not resolve the target
	KindInvocationFailed Kind = "invocation-failed" // Server method returned an error or panicked
	KindDecodeFailure    Kind = "decode-failure"    // Framing, decryption or deserialization failed
	KindRateLimited      Kind = "rate-limited"      // Rejected by the server rate limiter
)

// Error is the structured failure carried in a Response and returned by the client.
type Error struct {
	Kind    Kind
	Message string
	Cause   string // Originating error type where known, e.g. "*strconv.NumError"
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrTypeMismatch     = &Error{Kind: KindTypeMismatch}
	ErrNoProvider       = &Error{Kind: KindNoProvider}
	ErrTransportClosed  = &Error{Kind: KindTransportClosed}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrMethodNotFound   = &Error{Kind: KindMethodNotFound}
	ErrInvocationFailed = &Error{Kind: KindInvocationFailed}
	ErrDecodeFailure    = &Error{Kind: KindDecodeFailure}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// AsError converts err to an *Error. Errors that are not already framework
// errors become invocation failures carrying the original message and type.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    KindInvocationFailed,
		Message: err.Error(),
		Cause:   fmt.Sprintf("%T", errors.Cause(err)),
	}
}

// KindOf returns the kind of err, or "" if err is nil or not a framework error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
