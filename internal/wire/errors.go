package wire

import "errors"

var (
	// ErrFrameTooLarge is returned when a line exceeds the active size
	// cap. The connection is unusable afterwards.
	ErrFrameTooLarge = errors.New("frame exceeds size cap")

	// ErrUnknownFrame is returned when a decoded frame carries a tag
	// outside the protocol's closed set.
	ErrUnknownFrame = errors.New("unknown frame tag")

	// ErrMalformedFrame is returned when a line is not valid JSON, or
	// not valid base64 while sealed framing is active.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrBadAddr is returned for endpoint strings that do not parse as
	// host with optional port.
	ErrBadAddr = errors.New("invalid address")
)
