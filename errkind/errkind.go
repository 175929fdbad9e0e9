// Package errkind defines the error taxonomy shared by every layer of the
// caching intermediary. Each sentinel corresponds to one of the error
// kinds in the consistency protocol: callers use errors.Is against these
// sentinels, and the point of detection wraps them with errors.Wrap so
// that trace-level logging can print a stack with %+v.
package errkind

import "github.com/pkg/errors"

var (
	// ErrStoreUnavailable means the shared cache could not be reached at
	// all (transport failure). Callers must fail open: bypass the cache
	// and proxy directly to the origin.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrOriginUnreachable means the loopback request to the origin
	// could not be established.
	ErrOriginUnreachable = errors.New("origin unreachable")

	// ErrOriginProtocolError means the origin's response could not be
	// parsed as HTTP.
	ErrOriginProtocolError = errors.New("origin protocol error")

	// ErrOriginTooLarge means the origin's response body exceeded the
	// configured maximum.
	ErrOriginTooLarge = errors.New("origin response too large")

	// ErrCorruptMetadata means a metadata record's bytes failed to
	// decode, or decoded to a record violating a structural invariant.
	// Treated as if the record were absent.
	ErrCorruptMetadata = errors.New("corrupt metadata record")

	// ErrPublicationConflict means a CAS attempt to install new
	// metadata lost to a concurrent writer. Internal to the reservation
	// protocol; retried a bounded number of times before giving up.
	ErrPublicationConflict = errors.New("publication conflict")

	// ErrLoopDetected means a request purporting to originate from the
	// intermediary's own loopback address reached the handler again.
	ErrLoopDetected = errors.New("loop detected")
)

// Wrap annotates err with msg while preserving errors.Is/As against the
// sentinel it wraps.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
