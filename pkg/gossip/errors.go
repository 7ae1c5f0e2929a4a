package gossip

import (
	"errors"
	"fmt"

	"github.com/felundnet/felund/internal/wire"
)

var (
	// ErrHandshakeRejected is returned when the remote answers the
	// handshake with an ERROR frame. The remote's reason is attached.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrRemoteError is returned when the remote aborts an exchange
	// with an ERROR frame after the handshake. The remote is blaming
	// this side, so it does not count as a violation by the remote.
	ErrRemoteError = errors.New("remote reported error")

	// ErrUnexpectedFrame is returned when the remote sends a tag the
	// current phase does not allow. It marks a protocol violation.
	ErrUnexpectedFrame = errors.New("unexpected frame")
)

// phaseError is an unexpected-frame failure that also carries the short
// reason string a responder reports back in its ERROR frame before
// hanging up. Initiators never send ERROR; they just surface the error.
type phaseError struct {
	Reason string // "Expected MSGS_REQ", "Bad sync frames", ...
	Got    string // tag actually received
}

func (e *phaseError) Error() string {
	return fmt.Sprintf("unexpected frame %q (%s)", e.Got, e.Reason)
}

func (e *phaseError) Unwrap() error { return ErrUnexpectedFrame }

// isViolation reports whether err is the remote breaking the protocol:
// a tag out of phase, an oversize line, or a line that does not decode.
// Auth rejections, remote ERROR frames, and transport errors are not
// violations.
func isViolation(err error) bool {
	return errors.Is(err, ErrUnexpectedFrame) ||
		errors.Is(err, wire.ErrFrameTooLarge) ||
		errors.Is(err, wire.ErrUnknownFrame) ||
		errors.Is(err, wire.ErrMalformedFrame)
}
