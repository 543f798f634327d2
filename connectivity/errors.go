package connectivity

import "fmt"

// ErrServiceNotFound is returned when a service has neither a route nor a
// local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrNoFactory means a route names a strategy without a registered factory.
type ErrNoFactory struct {
	Service  string
	Strategy string
}

func (e *ErrNoFactory) Error() string {
	return fmt.Sprintf("connectivity: no transport factory for strategy %q (service %s)", e.Strategy, e.Service)
}

// ErrFactoryFailed wraps a factory error for one route.
type ErrFactoryFailed struct {
	Service  string
	Strategy string
	Endpoint string
	Cause    error
}

func (e *ErrFactoryFailed) Error() string {
	return fmt.Sprintf("connectivity: factory %q failed for service %s (endpoint %s): %v",
		e.Strategy, e.Service, e.Endpoint, e.Cause)
}

func (e *ErrFactoryFailed) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned without calling the handler while the breaker
// of a service is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrHTTPStatus is a non-2xx answer from an HTTP route. Body is kept so the
// caller can decode a structured error.
type ErrHTTPStatus struct {
	Endpoint string
	Code     int
	Body     []byte
}

func (e *ErrHTTPStatus) Error() string {
	return fmt.Sprintf("connectivity/http: %s: status %d", e.Endpoint, e.Code)
}

// ErrPanic wraps a panic recovered by the Recovery middleware.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
