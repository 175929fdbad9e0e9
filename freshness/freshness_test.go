package freshness

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/relaycache/relaycache/cachekey"
	"github.com/relaycache/relaycache/content"
	"github.com/relaycache/relaycache/metadata"
	"github.com/relaycache/relaycache/store"
)

func TestExpiredForInvalidRecord(t *testing.T) {
	e := NewEngine(store.NewMemory(), time.Minute)
	if !e.Expired(metadata.Record{Valid: false}, time.Now()) {
		t.Fatal("an invalid record must always be expired")
	}
}

func TestExpiredWithinWindow(t *testing.T) {
	e := NewEngine(store.NewMemory(), time.Minute)
	now := time.Now()
	m := metadata.Record{Valid: true, Fetched: now.Add(-30 * time.Second)}
	if e.Expired(m, now) {
		t.Fatal("record within freshness window should not be expired")
	}
}

func TestExpiredPastWindow(t *testing.T) {
	e := NewEngine(store.NewMemory(), time.Minute)
	now := time.Now()
	m := metadata.Record{Valid: true, Fetched: now.Add(-90 * time.Second)}
	if !e.Expired(m, now) {
		t.Fatal("record past freshness window should be expired")
	}
}

func TestBoundContentMissingIsNotAnError(t *testing.T) {
	s := store.NewMemory()
	e := NewEngine(s, time.Minute)
	keys := cachekey.NewKeyer("origin")
	session := time.Now()
	m := metadata.Record{URL: "http://example.com/x", Session: session, LastNoted: 1, Valid: true, ContentKey: keys.Content("http://example.com/x", session.Format(time.RFC3339Nano), 1)}
	_, ok, err := e.BoundContent(context.Background(), m)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestBoundContentMismatchTreatedAsAbsent(t *testing.T) {
	s := store.NewMemory()
	e := NewEngine(s, time.Minute)
	keys := cachekey.NewKeyer("origin")
	session := time.Now()
	url := "http://example.com/x"
	key := keys.Content(url, "wrong-session", 1)
	rec := content.Record{URL: url, Session: session.Add(time.Hour), Reservation: 1, Status: 200, Header: http.Header{}, Body: []byte("x")}
	encoded, err := content.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(context.Background(), key, encoded, 0); err != nil {
		t.Fatal(err)
	}
	m := metadata.Record{URL: url, Session: session, LastNoted: 1, Valid: true, ContentKey: key}
	_, ok, err := e.BoundContent(context.Background(), m)
	if err != nil || ok {
		t.Fatalf("mismatched echo should be treated as absent: ok=%v err=%v", ok, err)
	}
}

func TestConditionalMatchInclusive(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{"If-Modified-Since": {lastModified.Format(http.TimeFormat)}}
	if !ConditionalMatch(h, lastModified) {
		t.Fatal("equal timestamps should match (inclusive)")
	}
}

func TestConditionalMatchNewerRequestTimestamp(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{"If-Modified-Since": {lastModified.Add(time.Hour).Format(http.TimeFormat)}}
	if !ConditionalMatch(h, lastModified) {
		t.Fatal("a newer If-Modified-Since should still match")
	}
}

func TestConditionalMatchOlderRequestTimestamp(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{"If-Modified-Since": {lastModified.Add(-time.Hour).Format(http.TimeFormat)}}
	if ConditionalMatch(h, lastModified) {
		t.Fatal("an older If-Modified-Since should not match")
	}
}

func TestConditionalMatchMissingHeader(t *testing.T) {
	if ConditionalMatch(http.Header{}, time.Now()) {
		t.Fatal("missing header should never match")
	}
}
