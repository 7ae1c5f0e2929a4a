package fcrypto

import "errors"

var (
	// ErrBadSecret is returned when a circle secret is not 32 bytes of hex.
	ErrBadSecret = errors.New("circle secret must be 64 hex chars")

	// ErrEnvelopeOpen is returned when a message envelope fails to
	// authenticate or decode. Callers drop the message without logging
	// details.
	ErrEnvelopeOpen = errors.New("message envelope failed to open")

	// ErrFrameOpen is returned when an encrypted frame fails to
	// authenticate. The connection carrying it terminates.
	ErrFrameOpen = errors.New("encrypted frame failed to open")
)
