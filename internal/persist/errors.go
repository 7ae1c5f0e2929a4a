package persist

import "errors"

var (
	// ErrNoState is returned when the state directory holds no snapshot
	// yet. Callers treat it as "fresh installation", not a failure.
	ErrNoState = errors.New("no state snapshot")

	// ErrSchemaTooNew is returned when the snapshot was written by a
	// newer build than this one.
	ErrSchemaTooNew = errors.New("state schema too new")
)
