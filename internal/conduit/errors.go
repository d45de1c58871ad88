package conduit

import "fmt"

// APIError is an error reported by the Conduit server in the response envelope.
type APIError struct {
	Method string
	Code   string
	Info   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s", e.Code, e.Info)
}

// TransportError means the call never produced a usable Conduit response:
// connection failures, timeouts, non-2xx statuses and undecodable bodies.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
