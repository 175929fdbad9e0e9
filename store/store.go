// Package store adapts the memcached-style shared cache described in
// spec section 4.A: get, add-if-absent, atomic increment, and
// compare-and-swap, over whichever concrete backend a deployment
// chooses. Every operation is safe under concurrent, multi-process
// access; none of them ever blocks on anything but the backend's own
// I/O.
package store

import (
	"context"
	"time"

	"github.com/relaycache/relaycache/errkind"
)

// Token is the opaque compare-and-swap version a Provider hands back
// from Get, and that the caller must present unchanged to CAS.
type Token uint64

// CASOutcome is the three-way result of a compare-and-swap attempt.
type CASOutcome int

const (
	// Replaced means the value was written because the token matched.
	Replaced CASOutcome = iota
	// Conflict means a different writer replaced the value first; the
	// caller should re-read and retry.
	Conflict
	// CASAbsent means the key no longer exists at all.
	CASAbsent
)

// Provider is the four-operation contract every cache backend
// implements. Implementations must be safe for concurrent use by
// multiple goroutines and, where the backend is genuinely shared (not
// in-process), by multiple processes.
type Provider interface {
	// Get returns the current bytes and CAS token for key. ok is false
	// if the key does not exist (or has expired, for backends that
	// support expiry).
	Get(ctx context.Context, key string) (value []byte, token Token, ok bool, err error)

	// Add stores value under key only if key does not already exist.
	// A ttl of zero means no expiry. inserted is false, with a nil
	// error, if the key was already present.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (inserted bool, err error)

	// Incr atomically increments the integer stored at key by delta
	// and returns the new value. existed is false if key does not
	// exist; the store must not create it. Incr is used only on
	// dedicated counter keys (see cachekey.Reservation), never on
	// structured records.
	Incr(ctx context.Context, key string, delta int64) (newValue int64, existed bool, err error)

	// CAS replaces the value at key with newValue, but only if token
	// still matches the value's current version. A ttl of zero means
	// no expiry.
	CAS(ctx context.Context, key string, token Token, newValue []byte, ttl time.Duration) (CASOutcome, error)

	// Delete removes key unconditionally. Used by the
	// invalidate-on-error supplement, to drop corrupt metadata and
	// superseded content, and to reset reservation counters.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}

// wrapUnavailable is the single place a backend turns a transport-level
// failure into the StoreUnavailable sentinel the handler fails open on.
func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return errkind.Wrapf(errkind.ErrStoreUnavailable, "%v", err)
}
