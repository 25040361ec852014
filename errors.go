package scalewatch

import "errors"

var (
	// ErrAlreadyHeld is returned by lease acquisition when another holder owns the key.
	ErrAlreadyHeld = errors.New("lease already held")
	// ErrLeaseExpired means the lease is gone: it timed out, was revoked, or
	// was obtained through a connection that has since been lost.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrConflict means the supplied resource version is stale.
	ErrConflict = errors.New("resource version conflict")
	// ErrNotFound means the deployment no longer exists.
	ErrNotFound = errors.New("deployment not found")
)
