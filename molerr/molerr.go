// Package molerr defines the typed error kinds raised across the broker
// core, per the error-handling design: each kind propagates to a specific
// caller and carries enough structure to be serialized back onto the wire
// as a RESPONSE error object.
package molerr

import "fmt"

// Kind identifies one of the seven error categories the broker core raises.
type Kind string

const (
	KindServiceNotAvailable Kind = "SERVICE_NOT_AVAILABLE"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindRemoteCall          Kind = "REMOTE_CALL_ERROR"
	KindRequestTimeout      Kind = "REQUEST_TIMEOUT"
	KindNodeDisconnected    Kind = "NODE_DISCONNECTED"
	KindTransport           Kind = "TRANSPORT_ERROR"
	KindHandler             Kind = "HANDLER_ERROR"
)

// Error is the common shape for every broker-raised error. It mirrors the
// wire RESPONSE error object: {name, message, code, type, stack, data}.
type Error struct {
	Kind    Kind
	Name    string
	Message string
	Code    int
	Stack   string
	Data    map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// ServiceNotAvailable reports that the Registry has no endpoint for name.
func ServiceNotAvailable(name string) *Error {
	return &Error{
		Kind:    KindServiceNotAvailable,
		Name:    "ServiceNotAvailable",
		Message: fmt.Sprintf("service %q is not available", name),
	}
}

// Validation reports that params failed an endpoint's schema.
func Validation(action string, cause error) *Error {
	return &Error{
		Kind:    KindValidation,
		Name:    "ValidationError",
		Message: fmt.Sprintf("invalid params for %q: %v", action, cause),
		Wrapped: cause,
	}
}

// RemoteCall wraps a RESPONSE whose success field was false, preserving
// the remote error's name/message/stack verbatim.
func RemoteCall(name, message, stack string, data map[string]any) *Error {
	return &Error{
		Kind:    KindRemoteCall,
		Name:    name,
		Message: message,
		Stack:   stack,
		Data:    data,
	}
}

// RequestTimeout reports that no RESPONSE arrived before the deadline.
func RequestTimeout(requestID string, action string) *Error {
	return &Error{
		Kind:    KindRequestTimeout,
		Name:    "RequestTimeout",
		Message: fmt.Sprintf("request %s to %q timed out", requestID, action),
	}
}

// NodeDisconnected reports that the target node disconnected mid-flight.
func NodeDisconnected(nodeID string) *Error {
	return &Error{
		Kind:    KindNodeDisconnected,
		Name:    "NodeDisconnected",
		Message: fmt.Sprintf("node %q disconnected", nodeID),
	}
}

// Transport wraps a transport-layer publish/subscribe failure.
func Transport(op string, cause error) *Error {
	return &Error{
		Kind:    KindTransport,
		Name:    "TransportError",
		Message: fmt.Sprintf("%s: %v", op, cause),
		Wrapped: cause,
	}
}

// Handler wraps a panic/error raised by a user-supplied action or event
// handler, with a best-effort name/message/stack triple.
func Handler(name, message, stack string) *Error {
	return &Error{
		Kind:    KindHandler,
		Name:    name,
		Message: message,
		Stack:   stack,
	}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
