// Package content implements the content record C(url, session,
// reservation) of the data model (section 3): the status line,
// filtered headers, and raw body bytes an elected fetcher writes
// before publishing metadata that points at it.
//
// The wire format is grounded on the teacher's
// pkg/response-serializer: an http.Response is serialized to its own
// raw HTTP/1.1 bytes with http.Response.Write and parsed back with
// http.ReadResponse(bufio.NewReader(...)), the same round-trip the
// teacher uses to persist a stored response. A short header block
// carrying the echoed (url, session, reservation) is prepended ahead
// of a delimiter, exactly the way the teacher prepends the original
// request ahead of its own delimiter.
package content

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaycache/relaycache/errkind"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// Record is the in-memory form of C(url, session, reservation).
type Record struct {
	URL         string
	Session     time.Time
	Reservation int64
	Status      int
	Header      http.Header
	Body        []byte
}

// Matches reports whether the record's echoed identity is the one
// the caller expects, per invariant I5: a content record whose
// echoed (url, session, reservation) does not match the metadata
// that led to it is treated as absent.
func (r Record) Matches(url string, session time.Time, reservation int64) bool {
	return r.URL == url && r.Session.Equal(session) && r.Reservation == reservation
}

// Encode serializes r to bytes suitable for store.Provider.Add.
func Encode(r Record) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteString("url: " + r.URL + "\n")
	buf.WriteString("session: " + r.Session.UTC().Format(time.RFC3339Nano) + "\n")
	buf.WriteString("reservation: " + strconv.FormatInt(r.Reservation, 10) + "\n")
	buf.Write(delim)

	resp := &http.Response{
		StatusCode: r.Status,
		Status:     strconv.Itoa(r.Status) + " " + http.StatusText(r.Status),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     r.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(r.Body)),
		Request:    &http.Request{Method: http.MethodGet},
	}
	if err := resp.Write(buf); err != nil {
		return nil, errkind.Wrap(err, "encode content record")
	}
	return buf.Bytes(), nil
}

// Decode parses bytes previously produced by Encode.
func Decode(b []byte) (Record, error) {
	parts := bytes.SplitN(b, delim, 2)
	if len(parts) != 2 {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "malformed content record: missing delimiter")
	}
	header, err := parseEchoBlock(parts[0])
	if err != nil {
		return Record{}, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(parts[1])), nil)
	if err != nil {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "malformed content record: "+err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Record{}, errkind.Wrap(errkind.ErrCorruptMetadata, "malformed content record body: "+err.Error())
	}
	return Record{
		URL:         header.url,
		Session:     header.session,
		Reservation: header.reservation,
		Status:      resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
	}, nil
}

type echoBlock struct {
	url         string
	session     time.Time
	reservation int64
}

func parseEchoBlock(b []byte) (echoBlock, error) {
	var eb echoBlock
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "url":
			eb.url = value
		case "session":
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return eb, errkind.Wrap(errkind.ErrCorruptMetadata, "malformed content record session: "+err.Error())
			}
			eb.session = t
		case "reservation":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return eb, errkind.Wrap(errkind.ErrCorruptMetadata, "malformed content record reservation: "+err.Error())
			}
			eb.reservation = n
		}
	}
	if eb.url == "" || eb.session.IsZero() || eb.reservation == 0 {
		return eb, errkind.Wrap(errkind.ErrCorruptMetadata, "content record missing echoed identity")
	}
	return eb, nil
}
