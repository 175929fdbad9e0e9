package metadata

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	r := Record{
		URL:          "http://example.com/x",
		Session:      now.Add(-time.Hour),
		Reservation:  3,
		LastNoted:    2,
		Valid:        true,
		Fetched:      now,
		LastModified: now.Add(-time.Minute),
		ContentKey:   "origin:C:abc",
		Digest:       "deadbeef",
	}
	decoded, err := Decode(Encode(r))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.URL != r.URL || decoded.Reservation != r.Reservation || decoded.LastNoted != r.LastNoted {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, r)
	}
	if !decoded.Session.Equal(r.Session) || !decoded.Fetched.Equal(r.Fetched) {
		t.Fatalf("time fields did not round trip: got %+v", decoded)
	}
}

func TestNewPlaceholderSatisfiesInvariants(t *testing.T) {
	now := time.Now()
	p := NewPlaceholder("http://example.com/x", now)
	if p.Reservation != 1 || p.LastNoted != 0 || p.Valid {
		t.Fatalf("unexpected placeholder: %+v", p)
	}
	if _, err := Decode(Encode(p)); err != nil {
		t.Fatalf("placeholder should decode cleanly: %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"version": 99, "url": "x", "session": time.Now(), "reservation": 1,
	})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed bytes")
	}
}

func TestDecodeRejectsMissingURL(t *testing.T) {
	raw, _ := json.Marshal(wire{Version: Version, Reservation: 1, Session: time.Now()})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestDecodeRejectsReservationBelowOne(t *testing.T) {
	raw, _ := json.Marshal(wire{Version: Version, URL: "x", Session: time.Now(), Reservation: 0})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for reservation < 1")
	}
}

func TestDecodeRejectsLastNotedExceedingReservation(t *testing.T) {
	raw, _ := json.Marshal(wire{Version: Version, URL: "x", Session: time.Now(), Reservation: 1, LastNoted: 2})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for last_noted > reservation")
	}
}

func TestDecodeRejectsValidWithoutLastNoted(t *testing.T) {
	raw, _ := json.Marshal(wire{Version: Version, URL: "x", Session: time.Now(), Reservation: 1, LastNoted: 0, Valid: true})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for valid record with last_noted 0")
	}
}

func TestDecodeRejectsValidWithoutContentKey(t *testing.T) {
	raw, _ := json.Marshal(wire{Version: Version, URL: "x", Session: time.Now(), Reservation: 1, LastNoted: 1, Valid: true, Digest: "abc"})
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for valid record missing content_key")
	}
}
