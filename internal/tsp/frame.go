package tsp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	ErrBadFraming         = errors.New("tsp: expected Content-length header")
	ErrIncompleteRead     = errors.New("tsp: incomplete payload read")
	ErrInvalidPayloadSize = errors.New("tsp: invalid payload size")
	ErrBadTunnelPayload   = errors.New("tsp: bad tunnel payload")
)

// Encode prefixes payload with its Content-length header.
func Encode(payload []byte) []byte {
	header := "Content-length: " + strconv.Itoa(len(payload)) + "\r\n"
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}

// Decode extracts the payload of a framed reply. first holds the bytes of
// the initial read; when it carries fewer payload bytes than advertised the
// remainder is read from more.
func Decode(first []byte, more io.Reader) ([]byte, error) {
	if len(first) < contentLengthPrefixSize || !bytes.Equal(first[:contentLengthPrefixSize], []byte(contentLengthPrefix)) {
		return nil, ErrBadFraming
	}
	nl := bytes.IndexByte(first, '\n')
	if nl < 0 {
		return nil, ErrBadFraming
	}

	size := atol(first[contentLengthPrefixSize:nl])
	got := first[nl+1:]
	if size <= 0 || int64(len(got)) > size {
		return nil, fmt.Errorf("%w: advertised %d, have %d", ErrInvalidPayloadSize, size, len(got))
	}

	payload := make([]byte, size)
	n := copy(payload, got)
	for n < len(payload) {
		if more == nil {
			return nil, ErrIncompleteRead
		}
		m, err := more.Read(payload[n:])
		if m <= 0 {
			return nil, fmt.Errorf("%w: %d of %d bytes: %v", ErrIncompleteRead, n, size, err)
		}
		n += m
	}
	return payload, nil
}

// atol parses a leading optionally signed decimal, ignoring blanks and any
// trailing garbage such as the CR before the newline.
func atol(b []byte) int64 {
	b = bytes.TrimLeft(b, " \t")
	neg := false
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		neg = b[0] == '-'
		b = b[1:]
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
		if n > 1<<31 {
			break
		}
	}
	if neg {
		return -n
	}
	return n
}

// FindPayload locates the XML body of a reply: skip the status line, then
// start at the first '<'.
func FindPayload(reply []byte) ([]byte, error) {
	nl := bytes.IndexByte(reply, '\n')
	if nl < 0 {
		return nil, ErrBadTunnelPayload
	}
	rest := reply[nl+1:]
	lt := bytes.IndexByte(rest, '<')
	if lt < 0 {
		return nil, ErrBadTunnelPayload
	}
	return rest[lt:], nil
}
