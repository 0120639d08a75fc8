package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a cache key has no file on disk. Reaching
	// it from the serving path means Exists was bypassed.
	ErrNotFound = errors.New("cache entry not found")

	// ErrWriteInFlight is returned when a second writer tries to open the
	// same key while a relay still owns it.
	ErrWriteInFlight = errors.New("write already in flight for key")

	// ErrStoreLocked is returned when another process holds the cache
	// directory lock.
	ErrStoreLocked = errors.New("cache directory is locked by another process")

	// ErrOriginUnreachable is a network or DNS failure reaching the upstream
	// server. Surfaced to the client as a gateway error.
	ErrOriginUnreachable = errors.New("origin unreachable")

	// ErrOriginStatus is a non-2xx response from the upstream server. The
	// status is passed through to the client verbatim.
	ErrOriginStatus = errors.New("origin returned error status")

	// ErrDiskWrite is a local storage failure. Requests degrade to
	// passthrough-only; playback never fails on it.
	ErrDiskWrite = errors.New("disk write failed")
)
