package cachekey

import (
	"strings"
	"testing"
)

func TestMetadataKeyIncludesOriginID(t *testing.T) {
	k := NewKeyer("this-is-the-origin")
	if key := k.Metadata("http://example.com/page"); !strings.HasPrefix(key, "this-is-the-origin:M:") {
		t.Fatalf("Metadata key is %s", key)
	}
}

func TestMetadataKeyIsStableForSameURL(t *testing.T) {
	k := NewKeyer("origin")
	a := k.Metadata("http://example.com/page")
	b := k.Metadata("http://example.com/page")
	if a != b {
		t.Fatalf("expected stable key, got %s and %s", a, b)
	}
}

func TestMetadataKeyDiffersByURL(t *testing.T) {
	k := NewKeyer("origin")
	a := k.Metadata("http://example.com/a")
	b := k.Metadata("http://example.com/b")
	if a == b {
		t.Fatalf("expected different keys for different urls, got %s", a)
	}
}

func TestReservationKeyDiffersFromMetadataKey(t *testing.T) {
	k := NewKeyer("origin")
	url := "http://example.com/page"
	if k.Metadata(url) == k.Reservation(url) {
		t.Fatalf("metadata and reservation keys must not collide")
	}
}

func TestContentKeyVariesBySessionAndReservation(t *testing.T) {
	k := NewKeyer("origin")
	url := "http://example.com/page"
	base := k.Content(url, "session-a", 1)
	if key := k.Content(url, "session-b", 1); key == base {
		t.Fatalf("expected content key to vary by session")
	}
	if key := k.Content(url, "session-a", 2); key == base {
		t.Fatalf("expected content key to vary by reservation")
	}
}

func TestKeysAreNamespacedByOrigin(t *testing.T) {
	url := "http://example.com/page"
	a := NewKeyer("origin-a").Metadata(url)
	b := NewKeyer("origin-b").Metadata(url)
	if a == b {
		t.Fatalf("expected keys for different origins to differ, got %s", a)
	}
}
