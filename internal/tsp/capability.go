package tsp

import (
	"errors"
	"fmt"
	"strings"
)

// Capability is the set of tunnel modes and authentication mechanisms a
// broker advertises.
type Capability uint32

const (
	TunnelV6V4    Capability = 0x01
	TunnelV6UDPV4 Capability = 0x02
	TunnelAny     Capability = 0x03
	TunnelV4V6    Capability = 0x04

	AuthPassDSS   Capability = 0x80
	AuthDigestMD5 Capability = 0x40
	AuthPlain     Capability = 0x20
	AuthAnonymous Capability = 0x10
	AuthAny       Capability = 0xF0
)

var ErrNotCapability = errors.New("tsp: not a capability line")

var (
	tunnelTokens = map[string]Capability{
		"V6V4":    TunnelV6V4,
		"V6UDPV4": TunnelV6UDPV4,
		"V4V6":    TunnelV4V6,
	}
	authTokens = map[string]Capability{
		"PASSDSS-3DES-1": AuthPassDSS,
		"DIGEST-MD5":     AuthDigestMD5,
		"ANONYMOUS":      AuthAnonymous,
		"PLAIN":          AuthPlain,
	}
)

// ParseCapabilities decodes "CAPABILITY TOKEN=VALUE ...". Unknown tokens and
// values are ignored so newer brokers stay compatible.
func ParseCapabilities(line []byte) (Capability, error) {
	if !IsCapability(line) {
		return 0, ErrNotCapability
	}
	var c Capability
	for _, field := range strings.Fields(string(line[len(capabilityPrefix):])) {
		token, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch token {
		case "TUNNEL":
			c |= tunnelTokens[value]
		case "AUTH":
			c |= authTokens[strings.ToUpper(value)]
		}
	}
	return c, nil
}

func (c Capability) Has(bits Capability) bool { return c&bits != 0 }

// String lists the authentication mechanisms for diagnostics.
func (c Capability) String() string {
	var parts []string
	if c&AuthPassDSS != 0 {
		parts = append(parts, "Passdss-3des-1")
	}
	if c&AuthDigestMD5 != 0 {
		parts = append(parts, "Digest-MD5")
	}
	if c&AuthAnonymous != 0 && c&AuthAny != AuthAny {
		parts = append(parts, "Anonymous")
	}
	if c&AuthPlain != 0 {
		parts = append(parts, "Plain")
	}
	return strings.Join(parts, ", ")
}

// TunnelMode is the configured tunnel encapsulation.
type TunnelMode int

const (
	ModeV6V4    TunnelMode = 1
	ModeV6UDPV4 TunnelMode = 2
	ModeV6AnyV4 TunnelMode = 3
	ModeV4V6    TunnelMode = 4
)

var modeNames = map[TunnelMode]string{
	ModeV6V4:    "v6v4",
	ModeV6UDPV4: "v6udpv4",
	ModeV6AnyV4: "v6anyv4",
	ModeV4V6:    "v4v6",
}

func ParseTunnelMode(s string) (TunnelMode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("tsp: unknown tunnel mode %q", s)
}

func (m TunnelMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Capability returns the tunnel bits that satisfy the mode.
func (m TunnelMode) Capability() Capability { return Capability(m) & (TunnelAny | TunnelV4V6) }

// Available reports whether the broker offers this mode.
func (m TunnelMode) Available(offered Capability) bool { return m.Capability()&offered != 0 }

// IPv6Transport reports whether the tunnel is carried over IPv6, which is
// the case for v4v6 only.
func (m TunnelMode) IPv6Transport() bool { return m == ModeV4V6 }
