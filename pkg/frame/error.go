package frame

import (
	"errors"
	"fmt"
)

// Origin classifies where a failure came from and therefore how the call
// supervisor reacts to it.
type Origin uint8

const (
	// OriginEndpoint failures come from an external speech or language
	// service. They are logged and the conversation continues.
	OriginEndpoint Origin = iota + 1

	// OriginTransport failures mean the caller connection is gone or
	// unusable. They end the call.
	OriginTransport

	// OriginConfiguration failures are detected while building a call and
	// never reach a running pipeline.
	OriginConfiguration
)

// String returns the human-readable name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginEndpoint:
		return "endpoint"
	case OriginTransport:
		return "transport"
	case OriginConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Fatal reports whether a failure of this origin ends the call.
func (o Origin) Fatal() bool {
	return o == OriginTransport || o == OriginConfiguration
}

// Error reports a failure inside the pipeline. It flows downstream like any
// other frame until the supervising task sees it.
type Error struct {
	Meta
	Err    error
	Origin Origin
}

// Error returns the failure message.
func (e Error) Error() string {
	if e.Err == nil {
		return e.Origin.String() + " error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error { return e.Err }

// Fatal reports whether the error should end the call.
func (e Error) Fatal() bool { return e.Origin.Fatal() }

// Sentinel errors for the taxonomy. Wrap them with %w so [OriginOf] can
// classify the result.
var (
	ErrTransport     = errors.New("transport failure")
	ErrEndpoint      = errors.New("endpoint failure")
	ErrConfiguration = errors.New("invalid configuration")
)

// TransportError marks err as a transport failure.
func TransportError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// EndpointError marks err as a failure of the named service endpoint.
func EndpointError(service string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrEndpoint, service, err)
}

// ConfigurationError marks err as a configuration problem.
func ConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// OriginOf classifies err. Unclassified errors are treated as endpoint
// failures so a single misbehaving stage cannot end the call.
func OriginOf(err error) Origin {
	switch {
	case errors.Is(err, ErrTransport):
		return OriginTransport
	case errors.Is(err, ErrConfiguration):
		return OriginConfiguration
	default:
		return OriginEndpoint
	}
}

// NewError builds an Error frame for err, classified by [OriginOf].
func NewError(meta Meta, err error) Error {
	return Error{Meta: meta, Err: err, Origin: OriginOf(err)}
}
