// Package response implements the response assembler of component
// 4.G: building the outbound response from a metadata/content pair,
// rewriting caching headers the way section 4.G specifies.
//
// Grounded on the teacher's core.send and copyHeader: iterate the
// stored header set, copy it onto the http.ResponseWriter, then layer
// the intermediary's own caching headers on top.
package response

import (
	"io"
	"net/http"
	"strconv"

	"github.com/relaycache/relaycache/content"
	"github.com/relaycache/relaycache/metadata"
)

// Status is the debug value of the X-Webcache-Status header.
type Status string

const (
	StatusHit       Status = "HIT"
	StatusHit304    Status = "HIT-304"
	StatusMissFetch Status = "MISS-FETCH"
	StatusMissWait  Status = "MISS-WAIT"
)

// allowedContentHeaders is the allow-list section 4.G filters C.headers
// through before re-emitting them.
var allowedContentHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
}

var strippedHeaders = []string{"Set-Cookie", "Pragma", "Expires"}

// Write assembles and sends the response for a full HIT: status and
// body from c, headers filtered from c.Header, with Last-Modified,
// Cache-Control, and X-Webcache-Status layered on top.
func Write(w http.ResponseWriter, m metadata.Record, c content.Record, freshnessWindowSeconds int, status Status) error {
	applyCommonHeaders(w.Header(), c.Header, m, freshnessWindowSeconds, status)
	w.WriteHeader(c.Status)
	if c.Body == nil {
		return nil
	}
	_, err := w.Write(c.Body)
	return err
}

// WriteHead is Write with the body omitted, for HEAD requests served
// from cache (Open Questions: HEAD participates identically to GET).
func WriteHead(w http.ResponseWriter, m metadata.Record, c content.Record, freshnessWindowSeconds int, status Status) {
	applyCommonHeaders(w.Header(), c.Header, m, freshnessWindowSeconds, status)
	if c.Body != nil {
		w.Header().Set("Content-Length", strconv.Itoa(len(c.Body)))
	}
	w.WriteHeader(c.Status)
}

// WriteNotModified synthesizes a 304 with an empty body, without
// requiring the content record to have been read at all.
func WriteNotModified(w http.ResponseWriter, m metadata.Record, freshnessWindowSeconds int) {
	setCachingHeaders(w.Header(), m, freshnessWindowSeconds)
	w.Header().Set("X-Webcache-Status", string(StatusHit304))
	w.WriteHeader(http.StatusNotModified)
}

// WriteUncached forwards an origin response body-for-body without
// storing it, for the GaveUp and OriginRejected publication outcomes.
func WriteUncached(w http.ResponseWriter, status int, header http.Header, body io.Reader, webcacheStatus Status) error {
	copyAllowed(w.Header(), header)
	w.Header().Set("X-Webcache-Status", string(webcacheStatus))
	w.WriteHeader(status)
	_, err := io.Copy(w, body)
	return err
}

func applyCommonHeaders(dst http.Header, src http.Header, m metadata.Record, freshnessWindowSeconds int, status Status) {
	copyAllowed(dst, src)
	setCachingHeaders(dst, m, freshnessWindowSeconds)
	dst.Set("X-Webcache-Status", string(status))
}

func copyAllowed(dst http.Header, src http.Header) {
	for _, name := range allowedContentHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

func setCachingHeaders(dst http.Header, m metadata.Record, freshnessWindowSeconds int) {
	dst.Set("Last-Modified", m.LastModified.UTC().Format(http.TimeFormat))
	dst.Set("Cache-Control", "public, max-age="+strconv.Itoa(freshnessWindowSeconds))
	for _, name := range strippedHeaders {
		dst.Del(name)
	}
}
