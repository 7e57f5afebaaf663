// Package tsp implements the Tunnel Setup Protocol message layer: framing,
// status codes, capability lines, protocol versions and the XML-ish tunnel
// payload exchanged with a broker.
package tsp

import (
	"strconv"
	"strings"
)

// Protocol status codes carried at the start of a broker reply.
const (
	CodeSuccess             = 200
	CodeAuthFailed          = 300
	CodeNoTunnels           = 301
	CodeUnsupportedVersion  = 302
	CodeUnsupportedTunMode  = 303
	CodeUndefined           = 310
	CodeInvalidRequest      = 500
	CodeInvalidIPv4         = 501
	CodeInvalidIPv6         = 502
	CodePrefixAlreadyUsed   = 506
	CodePrefixLenUnavail    = 507
	CodeDNSDelegationError  = 509
	CodeUnsupportedPrefix   = 518
	CodeMissingPrefixLen    = 520
	CodeRequestInProgress   = 521
	CodePrefixForAnonymous  = 522
	CodeServerTooBusy       = 530
	CodeRedirect            = 1200
	RedirectStatusCodeBase  = 1000
	capabilityPrefix        = "CAPABILITY "
	contentLengthPrefix     = "Content-length:"
	contentLengthPrefixSize = len(contentLengthPrefix)
)

var codeNames = map[int]string{
	CodeSuccess:            "success",
	CodeAuthFailed:         "authentication failed",
	CodeNoTunnels:          "no more tunnels available",
	CodeUnsupportedVersion: "unsupported client version",
	CodeUnsupportedTunMode: "unsupported tunnel mode",
	CodeUndefined:          "server side error",
	CodeInvalidRequest:     "invalid request",
	CodeInvalidIPv4:        "invalid IPv4 address",
	CodeInvalidIPv6:        "invalid IPv6 address",
	CodePrefixAlreadyUsed:  "IPv4 address already used for a prefix",
	CodePrefixLenUnavail:   "requested prefix length unavailable",
	CodeDNSDelegationError: "DNS delegation error",
	CodeUnsupportedPrefix:  "unsupported prefix length",
	CodeMissingPrefixLen:   "missing prefix length",
	CodeRequestInProgress:  "request already in progress",
	CodePrefixForAnonymous: "prefix requested for anonymous user",
	CodeServerTooBusy:      "server too busy",
	CodeRedirect:           "redirect",
}

// CodeText returns a short description of a protocol status code.
func CodeText(code int) string {
	if s, ok := codeNames[code]; ok {
		return s
	}
	if IsRedirect(code) {
		return "redirect"
	}
	return "unknown status"
}

// StatusCode reads the decimal code at the start of a reply the way atoi
// does: leading blanks skipped, parsing stops at the first non digit, and a
// reply without digits yields 0.
func StatusCode(reply []byte) int {
	s := strings.TrimLeft(string(reply), " \t\r\n")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func IsRedirect(code int) bool { return code > RedirectStatusCodeBase }

// IsCapability reports whether a reply is a CAPABILITY line rather than a
// numeric status.
func IsCapability(reply []byte) bool {
	return strings.HasPrefix(string(reply), capabilityPrefix)
}
