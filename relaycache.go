// Package relaycache wires the store, cachekey, metadata, content,
// origin, freshness, and reservation packages into the top-level
// state machine of component 4.H: CLASSIFY, LOOKUP, ELECT, FETCH,
// PUBLISH, SERVE.
//
// Grounded on the teacher's core.AlwaysCache: ServeHTTP recovers into
// an escape hatch that proxies straight to the origin, and every step
// of handle logs through a request-scoped zerolog logger.
package relaycache

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/content"
	"github.com/relaycache/relaycache/errkind"
	"github.com/relaycache/relaycache/freshness"
	"github.com/relaycache/relaycache/metadata"
	"github.com/relaycache/relaycache/origin"
	"github.com/relaycache/relaycache/reservation"
	"github.com/relaycache/relaycache/response"
	"github.com/relaycache/relaycache/store"
)

// Cache is the caching intermediary: an http.Handler that sits in
// front of an origin listening on config.OriginPort.
type Cache struct {
	config  Config
	fresh   *freshness.Engine
	origin  *origin.Fetcher
	reserve *reservation.Engine
}

// New wires a Cache from a loaded Config and a store backend selected
// by OpenStore.
func New(cfg Config, s store.Provider) *Cache {
	keys := cachekey.NewKeyer(cfg.OriginID)
	fresh := freshness.NewEngine(s, cfg.FreshnessWindow())
	fetcher := origin.NewFetcher(cfg.OriginPort, cfg.MaxBodyBytes)
	reserve := reservation.NewEngine(s, keys, fresh, fetcher, reservation.Config{
		PlaceholderTTL:    cfg.PlaceholderTTL(),
		BackoffBase:       cfg.BackoffBase(),
		BackoffCap:        cfg.BackoffCap(),
		MaxPublishRetries: cfg.MaxPublishRetries,
	})
	return &Cache{
		config:  cfg,
		fresh:   fresh,
		origin:  fetcher,
		reserve: reserve,
	}
}

// ServeHTTP implements http.Handler.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer c.recover(w, r)
	c.handle(w, r)
}

func (c *Cache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		log.Error().Interface("panic", err).Str("url", r.URL.String()).Msg("panic in cache handler")
		c.escapeHatch(w, r)
	}
}

// escapeHatch proxies request straight to the origin, uncached. Used
// on panic recovery, for methods CLASSIFY does not cache, and as the
// StoreUnavailable fail-open path from section 7's error table.
func (c *Cache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	result, err := c.origin.Fetch(r.Context(), r.Method, r.URL.RequestURI(), r.Header, clientAddr(r))
	if err != nil {
		log.Error().Err(err).Msg("escape hatch: origin unreachable")
		http.Error(w, "could not reach origin", http.StatusBadGateway)
		return
	}
	if err := response.WriteUncached(w, result.Status, result.Header, byteReader(result.Body), ""); err != nil {
		log.Error().Err(err).Msg("escape hatch: error writing to client")
	}
}

// clientAddr strips the port from r.RemoteAddr for X-Forwarded-For.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var cacheableMethods = map[string]bool{http.MethodGet: true, http.MethodHead: true}

// baseLogger returns the request-scoped logger a request-id middleware
// stashed in the context, falling back to the global logger when
// running without one (as the test suite does, and as zerolog.Ctx does
// itself when nothing was ever attached).
func baseLogger(r *http.Request) zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return log.Logger
}

// handle implements the CLASSIFY -> LOOKUP -> ELECT -> FETCH ->
// PUBLISH -> SERVE state machine of component 4.H.
func (c *Cache) handle(w http.ResponseWriter, r *http.Request) {
	reqLog := baseLogger(r).With().Str("method", r.Method).Str("path", r.URL.Path).Logger()

	// CLASSIFY: a request purporting to originate from our own
	// loopback address means the front-end router looped a request
	// back into us instead of routing it to the real origin.
	if isLoopback(r) {
		reqLog.Warn().Msg("loop detected: request originated from loopback")
		http.Error(w, "loop detected", http.StatusLoopDetected)
		return
	}

	if !cacheableMethods[r.Method] {
		reqLog.Trace().Msg("method not cacheable, passing through")
		c.escapeHatch(w, r)
		return
	}

	url := r.URL.RequestURI()
	ctx := r.Context()

	var ballot reservation.Ballot
	haveBallot := false
	waited := false

	for iter := 0; iter < c.config.MaxLookupIterations; iter++ {
		now := time.Now().UTC()
		obs, err := c.reserve.Observe(ctx, url, now)
		if err != nil {
			c.failOpen(w, r, reqLog, err)
			return
		}

		if obs.State == reservation.PublishedFresh {
			bound, ok, err := c.fresh.BoundContent(ctx, obs.Record)
			if err != nil {
				c.failOpen(w, r, reqLog, err)
				return
			}
			if !ok {
				// I5: the content vanished out from under a fresh
				// record. Treat as if it had expired and re-elect.
				obs.State = reservation.PublishedStale
			} else {
				if freshness.ConditionalMatch(r.Header, obs.Record.LastModified) {
					reqLog.Debug().Msg("conditional request satisfied, sending 304")
					response.WriteNotModified(w, obs.Record, c.config.FreshnessWindowSeconds)
					return
				}
				status := response.StatusHit
				if waited {
					// This request contended for the URL and slept
					// through another worker's fetch rather than
					// winning outright; the debug header should say so
					// instead of reading identically to a worker that
					// never contended at all.
					status = response.StatusMissWait
				}
				reqLog.Debug().Msg("serving fresh cache hit")
				c.writeHit(w, r.Method, obs.Record, bound, status)
				return
			}
		}

		var elect reservation.ElectResult
		if haveBallot {
			elect = c.reserve.Recheck(obs, ballot)
		} else {
			elect, err = c.reserve.Elect(ctx, url, now, obs)
			if err != nil {
				c.failOpen(w, r, reqLog, err)
				return
			}
		}

		switch elect.Outcome {
		case reservation.Restart:
			haveBallot = false
			continue

		case reservation.Wait:
			ballot = reservation.Ballot{Session: elect.Session, Reservation: elect.Reservation}
			haveBallot = true
			waited = true
			if elect.Wait > 0 {
				reqLog.Trace().Dur("backoff", elect.Wait).Msg("waiting on election")
				select {
				case <-time.After(elect.Wait):
				case <-ctx.Done():
					return
				}
			}
			continue

		case reservation.Elected:
			// publish_id tells two Elected episodes of the same request
			// (e.g. after a SupersededByOther re-observe) apart in the log.
			reqLog = reqLog.With().Str("publish_id", xid.New().String()).Logger()
			reqLog.Debug().Int64("reservation", elect.Reservation).Msg("elected fetcher, publishing")
			// Section 5 cancellation: an elected fetcher abandons the
			// response to its own disconnected client, but the fetch
			// itself must run to completion so any waiters behind it
			// still benefit from the publish. Detach the origin fetch
			// from the request's own cancellation for this call only;
			// everything else in this loop still observes ctx.
			publishCtx := context.WithoutCancel(ctx)
			// The cache entry is shared by GET and HEAD, so it is always
			// fetched with GET; writeHit omits the body for a HEAD.
			result, err := c.reserve.Publish(publishCtx, reservation.PublishRequest{
				URL:            url,
				Reservation:    elect.Reservation,
				Session:        elect.Session,
				Token:          elect.Token,
				Method:         http.MethodGet,
				RequestURI:     url,
				InboundHeaders: r.Header,
				ClientAddr:     clientAddr(r),
			})
			if err != nil {
				c.failOpen(w, r, reqLog, err)
				return
			}
			switch result.Outcome {
			case reservation.PublishedOK:
				c.writeHit(w, r.Method, result.Meta, result.Content, response.StatusMissFetch)
				return
			case reservation.OriginFailed:
				reqLog.Error().Err(result.Err).Msg("origin fetch failed during publish")
				http.Error(w, "could not reach origin", http.StatusBadGateway)
				return
			case reservation.OriginRejected:
				reqLog.Debug().Int("status", result.Origin.Status).Msg("origin response not cacheable, forwarding uncached")
				_ = response.WriteUncached(w, result.Origin.Status, result.Origin.Header, byteReader(result.Origin.Body), response.StatusMissFetch)
				return
			case reservation.SupersededByOther:
				reqLog.Trace().Msg("superseded by another publisher, re-observing")
				haveBallot = false
				continue
			case reservation.GaveUp:
				reqLog.Warn().Msg("gave up publishing after retries, serving fetched body uncached")
				_ = response.WriteUncached(w, result.Origin.Status, result.Origin.Header, byteReader(result.Origin.Body), response.StatusMissFetch)
				return
			}
		}
	}

	// max_lookup_iterations exhausted: the store is churning under us.
	// Fail open rather than loop forever.
	reqLog.Warn().Msg("lookup iteration budget exhausted, failing open")
	c.escapeHatch(w, r)
}

// writeHit assembles the outbound response from a metadata/content
// pair. cr may have been fetched or published against a different
// method than method: a warm cache entry is shared between GET and
// HEAD (Open Questions: HEAD participates in the state machine
// identically to GET, keyed per-URL rather than per-method), so a
// HEAD landing on GET-populated content must still have its body
// omitted here rather than relying on cr.Body already being empty.
func (c *Cache) writeHit(w http.ResponseWriter, method string, m metadata.Record, cr content.Record, status response.Status) {
	if method == http.MethodHead {
		response.WriteHead(w, m, cr, c.config.FreshnessWindowSeconds, status)
		return
	}
	if err := response.Write(w, m, cr, c.config.FreshnessWindowSeconds, status); err != nil {
		log.Error().Err(err).Msg("error writing response body to client")
	}
}

func byteReader(b []byte) io.Reader { return bytes.NewReader(b) }

func (c *Cache) failOpen(w http.ResponseWriter, r *http.Request, l zerolog.Logger, err error) {
	if errors.Is(err, errkind.ErrStoreUnavailable) {
		l.Warn().Err(err).Msg("store unavailable, failing open")
	} else {
		l.Error().Err(err).Msg("unexpected error, failing open")
	}
	c.escapeHatch(w, r)
}

// OpenStore selects a store.Provider by name, per the "store" config
// knob: "memory" (the default), "sqlite", or "postgres".
func OpenStore(ctx context.Context, cfg Config) (store.Provider, error) {
	switch cfg.Store {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.StoreDSN)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.StoreDSN)
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Store)
	}
}
