// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested key/server/location does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates bad caller input (unknown location, bad kind...).
	ErrValidation = errors.New("validation failed")

	// ErrCapacityExhausted indicates no eligible server has room left.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrProviderUnavailable indicates the remote panel was unreachable or
	// rejected the call. Callers may retry later; it is never retried here.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrSwitchLimitReached indicates the key has no free server switches left.
	ErrSwitchLimitReached = errors.New("switch limit reached")
)
