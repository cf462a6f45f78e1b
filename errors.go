package nanotube

import "github.com/segmentio/nanotube/udp"

var (
	// ErrInvalidArgument is the type of configuration and input errors, they
	// are always returned to the caller.
	ErrInvalidArgument = udp.ErrInvalidArgument

	// ErrTransport is the type of errors raised while sending metrics, they
	// are only returned by clients configured in strict mode.
	ErrTransport = udp.ErrTransport
)

// IsInvalidArgument reports whether err is a configuration or input error.
func IsInvalidArgument(err error) bool { return udp.IsInvalidArgument(err) }

// IsTransport reports whether err was raised while sending metrics.
func IsTransport(err error) bool { return udp.IsTransport(err) }
