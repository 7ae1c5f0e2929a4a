package invite

import "errors"

var (
	// ErrBadPrefix is returned for strings that are not felund codes at
	// all.
	ErrBadPrefix = errors.New("not a felund invite code")

	// ErrBadCode is returned for codes with the right prefix but a
	// payload that does not decode or validate.
	ErrBadCode = errors.New("invalid invite code")

	// ErrBadVersion is returned for payload versions this build does not
	// speak.
	ErrBadVersion = errors.New("unsupported invite code version")
)
