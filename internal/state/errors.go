package state

import "errors"

var (
	// ErrNotReady is returned while no initialize has completed.
	ErrNotReady = errors.New("state: not ready")
	// ErrUpdateInProgress is returned when another cycle holds the
	// synchronizer.
	ErrUpdateInProgress = errors.New("state: update already in progress")
	// ErrSyncFailed wraps a verifier failure. The served state is unchanged.
	ErrSyncFailed = errors.New("state: synchronization failed")
	// ErrBackend wraps a backend read failure.
	ErrBackend = errors.New("state: backend failure")
)
