package udp

import "github.com/joomcode/errorx"

var (
	// Errors is the namespace of all errors returned by nanotube packages.
	Errors = errorx.NewNamespace("nanotube")

	// ErrInvalidArgument is the type of errors caused by bad configuration or
	// bad input. They are always returned, whatever the error policy.
	ErrInvalidArgument = Errors.NewType("invalid_argument")

	// ErrTransport is the type of errors raised while resolving a destination
	// or writing to the socket. They are only returned in strict mode.
	ErrTransport = Errors.NewType("transport")
)

// IsInvalidArgument reports whether err is a configuration or input error.
func IsInvalidArgument(err error) bool {
	return errorx.IsOfType(err, ErrInvalidArgument)
}

// IsTransport reports whether err was raised on the send path.
func IsTransport(err error) bool {
	return errorx.IsOfType(err, ErrTransport)
}
