// Package reservation implements the reservation protocol of
// component 4.E, the core consistency engine: electing at most one
// fetcher per (URL, generation), coordinating waiters with bounded
// backoff, and publishing new content without ever holding a lock
// across store or origin I/O.
//
// Grounded on original_source/webcache/webcache.py's
// compete_for_cache_update / update_reservation / update_cache, with
// the incr target moved to a sibling key (see cachekey) instead of a
// field inside the metadata blob, per Design Notes item 9.
package reservation

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/content"
	"github.com/relaycache/relaycache/errkind"
	"github.com/relaycache/relaycache/freshness"
	"github.com/relaycache/relaycache/metadata"
	"github.com/relaycache/relaycache/origin"
	"github.com/relaycache/relaycache/store"
)

// State is a worker's classification of a metadata record, per the
// four states listed under component 4.E.
type State int

const (
	// Absent means no metadata record exists for the URL.
	Absent State = iota
	// PlaceholderState means a record exists but valid = false: a
	// prior worker claimed the URL but has not yet published.
	PlaceholderState
	// PublishedFresh means valid = true and within the freshness window.
	PublishedFresh
	// PublishedStale means valid = true but past the freshness window.
	PublishedStale
)

// Observation is what Observe returns: the classified state, the
// decoded record (when present), and the CAS token to present to a
// later CAS attempt on the same key.
type Observation struct {
	State  State
	Record metadata.Record
	Token  store.Token
}

// Config bundles the tunables of section 6 that the reservation
// protocol itself consults.
type Config struct {
	PlaceholderTTL    time.Duration // Design Notes: e.g. 5 * BackoffCap
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxPublishRetries int
}

// Engine ties the store, key scheme, freshness engine, and origin
// fetcher together to implement the election, publication, and
// waiter-backoff algorithms.
type Engine struct {
	Store  store.Provider
	Keys   cachekey.Keyer
	Fresh  *freshness.Engine
	Origin *origin.Fetcher
	Config Config
}

// NewEngine returns an Engine with the given collaborators.
func NewEngine(s store.Provider, keys cachekey.Keyer, fresh *freshness.Engine, o *origin.Fetcher, cfg Config) *Engine {
	if cfg.MaxPublishRetries == 0 {
		cfg.MaxPublishRetries = 3
	}
	return &Engine{Store: s, Keys: keys, Fresh: fresh, Origin: o, Config: cfg}
}

// Observe reads M(url) and classifies it. A corrupt record (bad
// encoding, or a decoded record violating a structural invariant) is
// deleted on sight and reported as Absent: the next Observe by any
// worker will see a clean slate, and section 7 already directs
// callers to bound their retries around this via max_lookup_iterations.
func (e *Engine) Observe(ctx context.Context, url string, now time.Time) (Observation, error) {
	key := e.Keys.Metadata(url)
	raw, token, ok, err := e.Store.Get(ctx, key)
	if err != nil {
		return Observation{}, err
	}
	if !ok {
		return Observation{State: Absent}, nil
	}
	rec, err := metadata.Decode(raw)
	if err != nil {
		_ = e.Store.Delete(ctx, key)
		return Observation{State: Absent}, nil
	}
	if !rec.Valid {
		return Observation{State: PlaceholderState, Record: rec, Token: token}, nil
	}
	if e.Fresh.Expired(rec, now) {
		return Observation{State: PublishedStale, Record: rec, Token: token}, nil
	}
	return Observation{State: PublishedFresh, Record: rec, Token: token}, nil
}

// ElectOutcome tells the caller what to do next.
type ElectOutcome int

const (
	// Elected means this worker won the right to fetch.
	Elected ElectOutcome = iota
	// Wait means this worker lost and should sleep before re-observing.
	Wait
	// Restart means the record vanished mid-election; the caller
	// should loop back to Observe.
	Restart
)

// ElectResult carries everything Publish needs when Outcome == Elected,
// and the wait duration when Outcome == Wait.
type ElectResult struct {
	Outcome     ElectOutcome
	Reservation int64
	Session     time.Time
	Token       store.Token
	Wait        time.Duration
}

// Elect runs the election algorithm against an Observation that was
// classified as Absent, PlaceholderState, or PublishedStale.
func (e *Engine) Elect(ctx context.Context, url string, now time.Time, obs Observation) (ElectResult, error) {
	switch obs.State {
	case Absent:
		return e.electFromAbsent(ctx, url, now)
	case PlaceholderState, PublishedStale:
		return e.electFromContention(ctx, url, obs)
	default:
		// PublishedFresh never contends; a caller that reaches here has a bug.
		return ElectResult{}, errkind.Wrap(errkind.ErrCorruptMetadata, "Elect called on a fresh record")
	}
}

func (e *Engine) electFromAbsent(ctx context.Context, url string, now time.Time) (ElectResult, error) {
	metaKey := e.Keys.Metadata(url)
	placeholder := metadata.NewPlaceholder(url, now)
	inserted, err := e.Store.Add(ctx, metaKey, metadata.Encode(placeholder), e.Config.PlaceholderTTL)
	if err != nil {
		return ElectResult{}, err
	}
	if !inserted {
		return ElectResult{Outcome: Restart}, nil
	}
	resKey := e.Keys.Reservation(url)
	if err := e.seedReservationKey(ctx, resKey, 1, e.Config.PlaceholderTTL); err != nil {
		return ElectResult{}, err
	}
	_, token, ok, err := e.Store.Get(ctx, metaKey)
	if err != nil {
		return ElectResult{}, err
	}
	if !ok {
		// evicted between our Add and this Get: someone else's problem now.
		return ElectResult{Outcome: Restart}, nil
	}
	return ElectResult{
		Outcome:     Elected,
		Reservation: 1,
		Session:     placeholder.Session,
		Token:       token,
	}, nil
}

func (e *Engine) electFromContention(ctx context.Context, url string, obs Observation) (ElectResult, error) {
	resKey := e.Keys.Reservation(url)
	r, existed, err := e.Store.Incr(ctx, resKey, 1)
	if err != nil {
		return ElectResult{}, err
	}
	if !existed {
		// The reservation counter was evicted independently of the
		// metadata record it belongs to (the store's eviction is
		// per-key, not per-lineage), while the lineage itself is still
		// Placeholder or PublishedStale. Reseed it at the lineage's own
		// baseline instead of restarting: nothing else will ever repair
		// this key, and blindly restarting loops forever against the
		// same non-Absent state.
		if err := e.seedReservationKey(ctx, resKey, obs.Record.LastNoted, e.Config.PlaceholderTTL); err != nil {
			return ElectResult{}, err
		}
		r, existed, err = e.Store.Incr(ctx, resKey, 1)
		if err != nil {
			return ElectResult{}, err
		}
		if !existed {
			return ElectResult{Outcome: Restart}, nil
		}
	}
	n := obs.Record.LastNoted
	if r == n+1 {
		return ElectResult{
			Outcome:     Elected,
			Reservation: r,
			Session:     obs.Record.Session,
			Token:       obs.Token,
		}, nil
	}
	return ElectResult{
		Outcome:     Wait,
		Reservation: r,
		Session:     obs.Record.Session,
		Wait:        Backoff(e.Config.BackoffBase, e.Config.BackoffCap, r, n),
	}, nil
}

// Ballot is what a waiter holds onto across backoff sleeps: its own
// reservation number and the lineage (session) it was drawn against.
// Section 4.E's waiter wakeup re-checks this ballot against a fresh
// read instead of drawing a new reservation number every time it
// wakes -- only Elect ever calls incr.
type Ballot struct {
	Session     time.Time
	Reservation int64
}

// Recheck implements the waiter wakeup algorithm: given a fresh
// Observation, decide whether the waiter's existing ballot now wins
// the election, should keep waiting, or was invalidated by an
// eviction (Restart, meaning the caller must call Elect fresh).
func (e *Engine) Recheck(obs Observation, ballot Ballot) ElectResult {
	switch obs.State {
	case Absent:
		return ElectResult{Outcome: Restart}
	case PublishedFresh:
		// A fresh publish landed while we slept; nothing left to elect.
		return ElectResult{Outcome: Restart}
	}
	if !obs.Record.Session.Equal(ballot.Session) {
		// The lineage was evicted and recreated under us; our ballot no
		// longer means anything in the new lineage.
		return ElectResult{Outcome: Restart}
	}
	n := obs.Record.LastNoted
	if ballot.Reservation <= n {
		// Someone else's publication already passed us; re-observe.
		return ElectResult{Outcome: Wait, Reservation: ballot.Reservation, Session: ballot.Session, Wait: 0}
	}
	if ballot.Reservation == n+1 {
		return ElectResult{
			Outcome:     Elected,
			Reservation: ballot.Reservation,
			Session:     ballot.Session,
			Token:       obs.Token,
		}
	}
	return ElectResult{
		Outcome:     Wait,
		Reservation: ballot.Reservation,
		Session:     ballot.Session,
		Wait:        Backoff(e.Config.BackoffBase, e.Config.BackoffCap, ballot.Reservation, n),
	}
}

// Backoff implements "min(cap, base * (r - last_noted))" from section
// 4.E, preserving the source's literal coupling of sleep duration to
// queue depth.
func Backoff(base, backoffCap time.Duration, r, lastNoted int64) time.Duration {
	depth := r - lastNoted
	if depth < 1 {
		depth = 1
	}
	d := base * time.Duration(depth)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// PublishOutcome classifies what Publish did.
type PublishOutcome int

const (
	// PublishedOK means metadata now points at fresh content; serve it.
	PublishedOK PublishOutcome = iota
	// OriginFailed means the origin could not be reached or returned a
	// malformed response; the reservation was left advanced and the
	// caller should surface a 502-class error without caching.
	OriginFailed
	// OriginRejected means the origin responded but with a non-cacheable
	// status; the placeholder was invalidated (deleted) and the caller
	// should forward the origin's own response, uncached.
	OriginRejected
	// SupersededByOther means another worker published a same-or-newer
	// generation while this fetch was in flight; the caller should
	// re-observe and serve from cache instead.
	SupersededByOther
	// GaveUp means CAS retries were exhausted; the caller should serve
	// the freshly fetched body directly to its own client, uncached.
	GaveUp
)

// PublishResult is what a publication attempt produces.
type PublishResult struct {
	Outcome PublishOutcome
	Origin  origin.Result
	Content content.Record
	Meta    metadata.Record
	// Err carries the underlying failure for the OriginFailed outcome.
	// It is reported through this field rather than Publish's own error
	// return, so a caller can distinguish "the origin is unreachable,
	// answer this one request with a 502" from a genuine store failure
	// that should fail the whole request open.
	Err error
}

// PublishRequest bundles what Publish needs to fetch, encode, and
// install a new generation of content.
type PublishRequest struct {
	URL            string
	Reservation    int64
	Session        time.Time
	Token          store.Token
	Method         string
	RequestURI     string
	InboundHeaders http.Header
	ClientAddr     string
}

// Publish runs the publication algorithm for the elected fetcher.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	fetched, err := e.Origin.Fetch(ctx, req.Method, req.RequestURI, req.InboundHeaders, req.ClientAddr)
	if err != nil {
		// OriginFailed is a normal protocol outcome, not a Go error: the
		// caller answers this one request with a 502 without retrying
		// the fetch itself (spec section 7). Reporting it through Err
		// instead of Publish's own error return keeps the switch on
		// result.Outcome reachable.
		return PublishResult{Outcome: OriginFailed, Origin: fetched, Err: err}, nil
	}

	if !cacheableStatus(fetched.Status) {
		_ = e.Store.Delete(ctx, e.Keys.Metadata(req.URL))
		_ = e.Store.Delete(ctx, e.Keys.Reservation(req.URL))
		return PublishResult{Outcome: OriginRejected, Origin: fetched}, nil
	}

	metaKey := e.Keys.Metadata(req.URL)

	// Re-read before writing our own content: if another worker already
	// published a same-or-newer generation while our fetch was in
	// flight, short-circuit instead of double-publishing.
	priorRaw, priorTok, priorOK, err := e.Store.Get(ctx, metaKey)
	if err != nil {
		return PublishResult{}, err
	}
	var prior metadata.Record
	hasPrior := false
	if priorOK {
		if rec, derr := metadata.Decode(priorRaw); derr == nil {
			prior = rec
			hasPrior = true
			if rec.Valid && rec.LastNoted >= req.Reservation {
				return PublishResult{Outcome: SupersededByOther, Origin: fetched, Meta: rec}, nil
			}
		}
	}

	lastModified := computeLastModified(prior, hasPrior, fetched)

	contentKey := e.Keys.Content(req.URL, req.Session.Format(time.RFC3339Nano), req.Reservation)
	contentRec := content.Record{
		URL:         req.URL,
		Session:     req.Session,
		Reservation: req.Reservation,
		Status:      fetched.Status,
		Header:      fetched.Header,
		Body:        fetched.Body,
	}
	encodedContent, err := content.Encode(contentRec)
	if err != nil {
		return PublishResult{}, err
	}
	inserted, err := e.Store.Add(ctx, contentKey, encodedContent, 0)
	if err != nil {
		return PublishResult{}, err
	}
	if !inserted {
		existingRaw, _, ok, err := e.Store.Get(ctx, contentKey)
		if err != nil {
			return PublishResult{}, err
		}
		if !ok {
			return PublishResult{}, errkind.Wrap(errkind.ErrCorruptMetadata, "content key vanished immediately after add-conflict")
		}
		existing, err := content.Decode(existingRaw)
		if err != nil || !existing.Matches(req.URL, req.Session, req.Reservation) {
			return PublishResult{}, errkind.Wrap(errkind.ErrCorruptMetadata, "content echo mismatch on publish")
		}
		contentRec = existing
	}

	newMeta := metadata.Record{
		URL:          req.URL,
		Session:      req.Session,
		Reservation:  req.Reservation,
		LastNoted:    req.Reservation,
		Valid:        true,
		Fetched:      fetched.Fetched,
		LastModified: lastModified,
		ContentKey:   contentKey,
		Digest:       fetched.Digest,
	}

	token := req.Token
	if priorOK {
		token = priorTok
	}

	for attempt := 0; attempt < e.Config.MaxPublishRetries; attempt++ {
		outcome, err := e.Store.CAS(ctx, metaKey, token, metadata.Encode(newMeta), 0)
		if err != nil {
			return PublishResult{}, err
		}
		switch outcome {
		case store.Replaced:
			return PublishResult{Outcome: PublishedOK, Origin: fetched, Content: contentRec, Meta: newMeta}, nil
		case store.CASAbsent:
			return e.publishFreshLineage(ctx, req.URL, contentRec, fetched, lastModified)
		case store.Conflict:
			raw, newTok, ok, err := e.Store.Get(ctx, metaKey)
			if err != nil {
				return PublishResult{}, err
			}
			if !ok {
				return e.publishFreshLineage(ctx, req.URL, contentRec, fetched, lastModified)
			}
			latest, derr := metadata.Decode(raw)
			if derr != nil {
				token = newTok
				continue
			}
			if latest.Valid && latest.LastNoted >= req.Reservation {
				_ = e.Store.Delete(ctx, contentKey)
				return PublishResult{Outcome: SupersededByOther, Origin: fetched, Meta: latest}, nil
			}
			token = newTok
		}
	}

	return PublishResult{Outcome: GaveUp, Origin: fetched, Content: contentRec}, nil
}

// publishFreshLineage implements publication algorithm step 6: the
// metadata vanished under us, so we start a brand new lineage with a
// fresh session, re-keying the content record we already fetched.
func (e *Engine) publishFreshLineage(ctx context.Context, url string, oldContent content.Record, fetched origin.Result, lastModified time.Time) (PublishResult, error) {
	newSession := time.Now().UTC()
	newContentKey := e.Keys.Content(url, newSession.Format(time.RFC3339Nano), 1)
	newContent := content.Record{
		URL:         url,
		Session:     newSession,
		Reservation: 1,
		Status:      oldContent.Status,
		Header:      oldContent.Header,
		Body:        oldContent.Body,
	}
	encoded, err := content.Encode(newContent)
	if err != nil {
		return PublishResult{}, err
	}
	if _, err := e.Store.Add(ctx, newContentKey, encoded, 0); err != nil {
		return PublishResult{}, err
	}

	newMeta := metadata.Record{
		URL:          url,
		Session:      newSession,
		Reservation:  1,
		LastNoted:    1,
		Valid:        true,
		Fetched:      fetched.Fetched,
		LastModified: lastModified,
		ContentKey:   newContentKey,
		Digest:       fetched.Digest,
	}
	metaKey := e.Keys.Metadata(url)
	inserted, err := e.Store.Add(ctx, metaKey, metadata.Encode(newMeta), 0)
	if err != nil {
		return PublishResult{}, err
	}
	if !inserted {
		// someone else re-created the lineage first; ours was redundant.
		_ = e.Store.Delete(ctx, newContentKey)
		raw, _, ok, err := e.Store.Get(ctx, metaKey)
		if err != nil {
			return PublishResult{}, err
		}
		if !ok {
			return PublishResult{Outcome: GaveUp, Origin: fetched, Content: newContent}, nil
		}
		latest, derr := metadata.Decode(raw)
		if derr != nil {
			return PublishResult{Outcome: GaveUp, Origin: fetched, Content: newContent}, nil
		}
		return PublishResult{Outcome: SupersededByOther, Origin: fetched, Meta: latest}, nil
	}
	if err := e.seedReservationKey(ctx, e.Keys.Reservation(url), 1, 0); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{Outcome: PublishedOK, Origin: fetched, Content: newContent, Meta: newMeta}, nil
}

// seedReservationKey installs baseline at key, replacing whatever
// stale survivor the store's arbitrary per-key eviction left behind:
// the metadata and reservation keys of the same lineage are evicted
// independently, so a reservation counter surviving its own
// metadata's eviction is a realistic case, not a corner case. A bare
// Add is not enough here (it silently no-ops if the key already
// exists), so this tries the add and, each time it finds the key
// present, deletes it and tries again, up to the same retry bound
// Publish uses for its own CAS loop. If every attempt finds the key
// present, the key is left deleted rather than seeded.
func (e *Engine) seedReservationKey(ctx context.Context, key string, baseline int64, ttl time.Duration) error {
	value := []byte(strconv.FormatInt(baseline, 10))
	for attempt := 0; attempt < e.Config.MaxPublishRetries; attempt++ {
		inserted, err := e.Store.Add(ctx, key, value, ttl)
		if err != nil {
			return err
		}
		if inserted {
			return nil
		}
		if err := e.Store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return e.Store.Delete(ctx, key)
}

// computeLastModified implements publication algorithm step 2,
// supplemented by original_source/webcache/webcache.py's
// time_or_last_modified_header: reuse the prior last_modified when
// the digest is unchanged; otherwise prefer the origin's own
// Last-Modified header when it predates the fetch, else the fetch
// time itself.
func computeLastModified(prior metadata.Record, hasPrior bool, fetched origin.Result) time.Time {
	if hasPrior && prior.Valid && prior.Digest == fetched.Digest {
		return prior.LastModified
	}
	fetchTime := fetched.Fetched.Truncate(time.Second)
	if originTime, ok := origin.LastModifiedHeader(fetched.Header); ok {
		originTime = originTime.Truncate(time.Second)
		if originTime.Before(fetchTime) {
			return originTime
		}
	}
	return fetchTime
}

// cacheableStatus implements the Open Question resolution recorded in
// SPEC_FULL.md: 2xx and 3xx are cached, 4xx/5xx invalidate instead.
func cacheableStatus(status int) bool {
	return status >= 200 && status < 400
}
