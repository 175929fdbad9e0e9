package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func testOrigin(t *testing.T, router chi.Router) (*Fetcher, func()) {
	t.Helper()
	server := httptest.NewServer(router)
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return NewFetcher(port, 1<<20), server.Close
}

func TestFetchReturnsBodyAndDigest(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/alpha", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("alpha"))
	})
	fetcher, closeServer := testOrigin(t, r)
	defer closeServer()

	result, err := fetcher.Fetch(context.Background(), http.MethodGet, "/alpha", http.Header{}, "203.0.113.5")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Status != http.StatusOK || string(result.Body) != "alpha" {
		t.Fatalf("unexpected result: %+v", result)
	}
	wantDigest := "8ed3f6ad685b959ead7022518e1af76cd816f8e8ec7ccdda1ed4018e8f2223f8"
	if result.Digest != wantDigest {
		t.Fatalf("digest = %s, want %s", result.Digest, wantDigest)
	}
}

func TestFetchForwardsClientAddress(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Get("/echo", func(w http.ResponseWriter, req *http.Request) {
		seen = req.Header.Get("X-Forwarded-For")
	})
	fetcher, closeServer := testOrigin(t, r)
	defer closeServer()

	if _, err := fetcher.Fetch(context.Background(), http.MethodGet, "/echo", http.Header{}, "203.0.113.9"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if seen != "203.0.113.9" {
		t.Fatalf("X-Forwarded-For = %q", seen)
	}
}

func TestFetchNeverForwardsCookie(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Get("/secret", func(w http.ResponseWriter, req *http.Request) {
		seen = req.Header.Get("Cookie")
	})
	fetcher, closeServer := testOrigin(t, r)
	defer closeServer()

	inbound := http.Header{"Cookie": {"session=abc"}}
	if _, err := fetcher.Fetch(context.Background(), http.MethodGet, "/secret", inbound, ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if seen != "" {
		t.Fatalf("Cookie leaked to origin: %q", seen)
	}
}

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/redirecting", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/target", http.StatusFound)
	})
	fetcher, closeServer := testOrigin(t, r)
	defer closeServer()

	result, err := fetcher.Fetch(context.Background(), http.MethodGet, "/redirecting", http.Header{}, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Status != http.StatusFound {
		t.Fatalf("status = %d, want 302", result.Status)
	}
}

func TestFetchTooLargeBody(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/big", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	})
	server := httptest.NewServer(r)
	defer server.Close()
	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	fetcher := NewFetcher(port, 10)

	if _, err := fetcher.Fetch(context.Background(), http.MethodGet, "/big", http.Header{}, ""); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestFetchOriginUnreachable(t *testing.T) {
	fetcher := NewFetcher(1, 1<<20) // port 1: nothing listens there
	if _, err := fetcher.Fetch(context.Background(), http.MethodGet, "/x", http.Header{}, ""); err == nil {
		t.Fatal("expected error for unreachable origin")
	}
}
