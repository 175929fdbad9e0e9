package response

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaycache/relaycache/content"
	"github.com/relaycache/relaycache/metadata"
)

func TestWriteFiltersHeadersAndSetsCaching(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := metadata.Record{LastModified: lastModified}
	c := content.Record{
		Status: 200,
		Body:   []byte("alpha"),
		Header: http.Header{
			"Content-Type": {"text/plain"},
			"Set-Cookie":   {"session=abc"},
			"X-Internal":   {"drop-me"},
		},
	}
	rec := httptest.NewRecorder()
	if err := Write(rec, m, c, 60, StatusHit); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rec.Code != 200 || rec.Body.String() != "alpha" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("Content-Type not preserved")
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("Set-Cookie should have been stripped")
	}
	if rec.Header().Get("X-Internal") != "" {
		t.Fatalf("X-Internal should have been dropped by the allow-list")
	}
	if got := rec.Header().Get("Last-Modified"); got != lastModified.Format(http.TimeFormat) {
		t.Fatalf("Last-Modified = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=60" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("X-Webcache-Status"); got != "HIT" {
		t.Fatalf("X-Webcache-Status = %q", got)
	}
}

func TestWriteNotModifiedHasNoBody(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := metadata.Record{LastModified: lastModified}
	rec := httptest.NewRecorder()
	WriteNotModified(rec, m, 60)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Webcache-Status"); got != "HIT-304" {
		t.Fatalf("X-Webcache-Status = %q", got)
	}
}
