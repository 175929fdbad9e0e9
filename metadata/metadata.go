// Package metadata implements the metadata record M(url) of the data
// model (section 3) and its codec (component 4.C): a single
// self-describing record with a version tag, total in the encode
// direction and partial in decode (malformed bytes surface as
// errkind.ErrCorruptMetadata, which callers treat as if the record
// were absent).
package metadata

import (
	"encoding/json"
	"time"

	"github.com/relaycache/relaycache/errkind"
)

// Version is the current wire version written by Encode. A future
// version bump only needs a new case in Decode; old records keep
// decoding under their own version tag until they are next
// published.
const Version = 1

// Record is the in-memory form of M(url). Time fields carry
// sub-second resolution except LastModified, which is second
// resolution to match the client-visible Last-Modified header.
type Record struct {
	URL          string
	Session      time.Time
	Reservation  int64
	LastNoted    int64
	Valid        bool
	Fetched      time.Time // zero if !Valid
	LastModified time.Time // zero if !Valid
	ContentKey   string    // empty if !Valid
	Digest       string    // hex sha256, empty if !Valid
}

// wire is the JSON shape written to the store. Version comes first so
// that a hand-inspected dump identifies its own format immediately;
// json.Marshal does not guarantee field order on the wire, but every
// wire record still carries the tag as a value, which is what Decode
// actually checks.
type wire struct {
	Version      int       `json:"version"`
	URL          string    `json:"url"`
	Session      time.Time `json:"session"`
	Reservation  int64     `json:"reservation"`
	LastNoted    int64     `json:"last_noted"`
	Valid        bool      `json:"valid"`
	Fetched      time.Time `json:"fetched,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	ContentKey   string    `json:"content_key,omitempty"`
	Digest       string    `json:"digest,omitempty"`
}

// Encode serializes r. It never fails: every Record value, including
// the zero value, has a valid wire representation.
func Encode(r Record) []byte {
	w := wire{
		Version:      Version,
		URL:          r.URL,
		Session:      r.Session,
		Reservation:  r.Reservation,
		LastNoted:    r.LastNoted,
		Valid:        r.Valid,
		Fetched:      r.Fetched,
		LastModified: r.LastModified,
		ContentKey:   r.ContentKey,
		Digest:       r.Digest,
	}
	b, err := json.Marshal(w)
	if err != nil {
		// wire contains only marshalable field types; this cannot happen.
		panic(err)
	}
	return b
}

// Decode parses b into a Record, validating the invariants of
// section 3 (I1: reservation >= last_noted >= 0 and valid implies
// last_noted >= 1). Any failure -- bad JSON, unknown version, missing
// url, or a violated invariant -- returns errkind.ErrCorruptMetadata.
func Decode(b []byte) (Record, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, err.Error())
	}
	if w.Version != Version {
		return Record{}, errkind.Wrapf(errkind.ErrCorruptMetadata, "unknown metadata version %d", w.Version)
	}
	if w.URL == "" {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "missing url")
	}
	if w.Session.IsZero() {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "missing session")
	}
	if w.Reservation < 1 {
		return Record{}, errkind.Wrapf(errkind.ErrCorruptMetadata, "reservation %d < 1", w.Reservation)
	}
	if w.LastNoted < 0 || w.LastNoted > w.Reservation {
		return Record{}, errkind.Wrapf(errkind.ErrCorruptMetadata, "last_noted %d out of range for reservation %d", w.LastNoted, w.Reservation)
	}
	if w.Valid && w.LastNoted < 1 {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "valid record with last_noted < 1")
	}
	if w.Valid && (w.ContentKey == "" || w.Digest == "") {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "valid record missing content_key or digest")
	}
	return Record{
		URL:          w.URL,
		Session:      w.Session,
		Reservation:  w.Reservation,
		LastNoted:    w.LastNoted,
		Valid:        w.Valid,
		Fetched:      w.Fetched,
		LastModified: w.LastModified,
		ContentKey:   w.ContentKey,
		Digest:       w.Digest,
	}, nil
}

// NewPlaceholder returns the placeholder record a worker installs
// when it observes url as Absent: session is set to now, reservation
// starts at 1, and no content is bound yet.
func NewPlaceholder(url string, now time.Time) Record {
	return Record{
		URL:         url,
		Session:     now,
		Reservation: 1,
		LastNoted:   0,
		Valid:       false,
	}
}
