// Package freshness implements the revalidation & freshness engine of
// component 4.F: whether a metadata record's cached content may still
// be served without consulting the origin, and whether an inbound
// conditional request can be answered with a 304 straight from the
// metadata record's timestamp, without reading the bound content at
// all.
package freshness

import (
	"context"
	"net/http"
	"time"

	"github.com/relaycache/relaycache/content"
	"github.com/relaycache/relaycache/metadata"
	"github.com/relaycache/relaycache/store"
)

// Engine evaluates freshness against a configured window.
type Engine struct {
	Store           store.Provider
	FreshnessWindow time.Duration
}

// NewEngine returns an Engine using freshnessWindow as both the
// internal expiry and the outbound max-age.
func NewEngine(s store.Provider, freshnessWindow time.Duration) *Engine {
	return &Engine{Store: s, FreshnessWindow: freshnessWindow}
}

// Expired reports whether m is stale: either never published, or
// published longer ago than FreshnessWindow.
func (e *Engine) Expired(m metadata.Record, now time.Time) bool {
	if !m.Valid {
		return true
	}
	return now.Sub(m.Fetched) > e.FreshnessWindow
}

// BoundContent loads the content record m.ContentKey points at. It
// returns ok=false -- never an error -- when the content is absent,
// corrupt, or its echoed identity does not match m, since section 3's
// invariant I5 treats all three the same way: as if the content were
// simply evicted.
func (e *Engine) BoundContent(ctx context.Context, m metadata.Record) (content.Record, bool, error) {
	if !m.Valid || m.ContentKey == "" {
		return content.Record{}, false, nil
	}
	raw, _, ok, err := e.Store.Get(ctx, m.ContentKey)
	if err != nil {
		return content.Record{}, false, err
	}
	if !ok {
		return content.Record{}, false, nil
	}
	rec, err := content.Decode(raw)
	if err != nil {
		return content.Record{}, false, nil
	}
	if !rec.Matches(m.URL, m.Session, m.LastNoted) {
		return content.Record{}, false, nil
	}
	return rec, true, nil
}

// ConditionalMatch reports whether the inbound If-Modified-Since
// header is at or after lastModified, at second resolution, per
// section 4.F: "If-Modified-Since >= M.last_modified (HTTP-date
// comparison at second resolution, inclusive)".
func ConditionalMatch(h http.Header, lastModified time.Time) bool {
	raw := h.Get("If-Modified-Since")
	if raw == "" {
		return false
	}
	since, err := http.ParseTime(raw)
	if err != nil {
		return false
	}
	return !since.Before(lastModified.Truncate(time.Second))
}
