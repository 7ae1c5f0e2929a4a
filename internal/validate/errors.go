package validate

import "errors"

var (
	// ErrInvalidDisplayName is returned when a display name is empty or
	// contains control characters.
	ErrInvalidDisplayName = errors.New("invalid display name")

	// ErrInvalidPort is returned when a port is outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidBindHost is returned when a bind host is neither empty,
	// an IP literal, nor a DNS name.
	ErrInvalidBindHost = errors.New("invalid bind host")

	// ErrInvalidListenAddr is returned when a listen address is not
	// host:port with a usable port.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidBaseURL is returned when a rendezvous base URL is not an
	// absolute http or https URL.
	ErrInvalidBaseURL = errors.New("invalid base URL")
)
