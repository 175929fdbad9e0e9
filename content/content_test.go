package content

import (
	"net/http"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	session := time.Now().UTC().Truncate(time.Millisecond)
	r := Record{
		URL:         "http://example.com/x",
		Session:     session,
		Reservation: 3,
		Status:      200,
		Header:      http.Header{"Content-Type": {"text/plain"}},
		Body:        []byte("alpha"),
	}
	b, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.URL != r.URL || decoded.Reservation != r.Reservation {
		t.Fatalf("identity mismatch: %+v", decoded)
	}
	if !decoded.Session.Equal(r.Session) {
		t.Fatalf("session mismatch: got %v want %v", decoded.Session, r.Session)
	}
	if decoded.Status != 200 || string(decoded.Body) != "alpha" {
		t.Fatalf("body/status mismatch: %+v", decoded)
	}
	if decoded.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header not preserved: %v", decoded.Header)
	}
}

func TestMatches(t *testing.T) {
	session := time.Now()
	r := Record{URL: "http://example.com/x", Session: session, Reservation: 2}
	if !r.Matches("http://example.com/x", session, 2) {
		t.Fatal("expected match")
	}
	if r.Matches("http://example.com/y", session, 2) {
		t.Fatal("expected url mismatch to fail")
	}
	if r.Matches("http://example.com/x", session, 3) {
		t.Fatal("expected reservation mismatch to fail")
	}
	if r.Matches("http://example.com/x", session.Add(time.Second), 2) {
		t.Fatal("expected session mismatch to fail")
	}
}

func TestDecodeRejectsMissingDelimiter(t *testing.T) {
	if _, err := Decode([]byte("garbage")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeRejectsMalformedEchoBlock(t *testing.T) {
	b := []byte("url: x\n" + string(delim) + "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	if _, err := Decode(b); err == nil {
		t.Fatal("expected error for missing session/reservation")
	}
}
