// Package origin implements the origin fetcher of component 4.D: a
// loopback HTTP request against the legacy application, with the
// digest computed as the body streams in and a hard cap on how much
// of it the intermediary will hold in memory.
//
// Grounded on the teacher's core.AlwaysCache.fetch: an http.Client
// configured with CheckRedirect returning http.ErrUseLastResponse (so
// 3xx responses come back to the caller instead of being silently
// followed), and the same copyHeader-style forwarding of a
// caller-controlled header allow-list.
package origin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaycache/relaycache/errkind"
)

// forwardedRequestHeaders is the whitelist of inbound headers that
// are allowed to reach the origin unchanged. Cookie is deliberately
// absent: the origin sees an anonymous fetch on behalf of the shared
// cache, never a specific client's session. Host is never taken from
// the inbound request either, since the origin's own Host is what
// keeps X-Forwarded-For-driven virtual hosting from routing straight
// back through the intermediary's own loopback listener.
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"If-None-Match",
	"User-Agent",
}

// Result is what a successful Fetch returns.
type Result struct {
	Status  int
	Header  http.Header
	Body    []byte
	Digest  string // hex sha256 of Body
	Fetched time.Time
}

// Fetcher issues loopback requests against a fixed origin port.
type Fetcher struct {
	OriginPort   int
	MaxBodyBytes int64
	Client       *http.Client
}

// NewFetcher returns a Fetcher whose http.Client never follows
// redirects, matching the teacher's core.CreateCache: a 3xx from the
// origin must be seen by the reservation protocol as the response to
// cache, not silently chased.
func NewFetcher(originPort int, maxBodyBytes int64) *Fetcher {
	return &Fetcher{
		OriginPort:   originPort,
		MaxBodyBytes: maxBodyBytes,
		Client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch issues a request with the given method for path+query against
// the loopback origin, forwarding clientAddr as X-Forwarded-For and the
// header allow-list from inboundHeaders. The request carries no body.
func (f *Fetcher) Fetch(ctx context.Context, method, requestURI string, inboundHeaders http.Header, clientAddr string) (Result, error) {
	uri := fmt.Sprintf("http://127.0.0.1:%d%s", f.OriginPort, requestURI)
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ErrOriginUnreachable, err.Error())
	}
	for _, name := range forwardedRequestHeaders {
		if v := inboundHeaders.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if clientAddr != "" {
		req.Header.Set("X-Forwarded-For", clientAddr)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ErrOriginUnreachable, err.Error())
	}
	defer resp.Body.Close()

	body, digest, err := readDigested(resp.Body, f.MaxBodyBytes)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Status:  resp.StatusCode,
		Header:  resp.Header.Clone(),
		Body:    body,
		Digest:  digest,
		Fetched: time.Now().UTC(),
	}, nil
}

// readDigested reads all of r into memory while hashing it, failing
// with ErrOriginTooLarge if more than max bytes arrive, and
// ErrOriginProtocolError if the underlying read fails midstream.
func readDigested(r io.Reader, max int64) ([]byte, string, error) {
	h := sha256.New()
	limited := io.LimitReader(r, max+1)
	body, err := io.ReadAll(io.TeeReader(limited, h))
	if err != nil {
		return nil, "", errkind.Wrap(errkind.ErrOriginProtocolError, err.Error())
	}
	if int64(len(body)) > max {
		return nil, "", errkind.Wrapf(errkind.ErrOriginTooLarge, "body exceeded %d bytes", max)
	}
	return body, hex.EncodeToString(h.Sum(nil)), nil
}

// LastModifiedHeader parses an origin's own Last-Modified header, if
// present and well-formed, for the "earlier of now vs origin's
// Last-Modified" supplement in the reservation protocol.
func LastModifiedHeader(h http.Header) (time.Time, bool) {
	v := h.Get("Last-Modified")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
