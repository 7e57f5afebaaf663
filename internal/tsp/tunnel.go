package tsp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tunnel is the descriptor a broker returns when it offers, or redirects
// away from, a tunnel. All values are lower-cased as received.
type Tunnel struct {
	Action   string
	Type     string
	Lifetime string
	Proxy    string
	MTU      string

	ClientAddressIPv4   string
	ClientAddressIPv6   string
	ClientDNSName       string
	ClientDNSServerIPv6 string

	ServerAddressIPv4 string
	ServerAddressIPv6 string

	RouterProtocol string
	Prefix         string
	PrefixLength   string
	ClientAS       string
	ServerAS       string

	KeepaliveInterval string
	KeepaliveAddress  string

	BrokersIPv4 []string
	BrokersIPv6 []string
	BrokersDN   []string
}

var (
	rootSchema    = schema{"tunnel": {"action", "type", "lifetime", "proxy", "mtu"}}
	tunnelSchema  = schema{"server": nil, "client": nil, "broker": nil}
	serverSchema  = schema{"address": {"type"}, "router": {"protocol"}}
	clientSchema  = schema{"address": {"type"}, "dns_server": {"type"}, "router": {"protocol"}, "keepalive": {"interval"}}
	routerSchema  = schema{"prefix": {"length"}, "dns_server": {"type"}, "as": {"number"}}
	addressSchema = schema{"address": {"type"}}
)

// scope tracks which enclosing elements an address appears in.
type scope struct {
	client, server, router, dnsServer, broker, keepalive bool
}

// ParseTunnel decodes a tunnel payload starting at its first '<'.
func ParseTunnel(payload []byte) (*Tunnel, error) {
	roots, err := parseElements(string(payload), rootSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTunnelPayload, err)
	}
	t := &Tunnel{}
	for _, root := range roots {
		t.Action = lower(root.attrs["action"])
		t.Type = lower(root.attrs["type"])
		t.Lifetime = lower(root.attrs["lifetime"])
		t.Proxy = lower(root.attrs["proxy"])
		t.MTU = lower(root.attrs["mtu"])
		if err := t.walk(root.content, tunnelSchema, scope{}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTunnelPayload, err)
		}
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no tunnel element", ErrBadTunnelPayload)
	}
	return t, nil
}

func (t *Tunnel) walk(content string, level schema, sc scope) error {
	els, err := parseElements(content, level)
	if err != nil {
		return err
	}
	for _, el := range els {
		inner := sc
		var next schema
		switch el.name {
		case "server":
			inner.server, next = true, serverSchema
		case "client":
			inner.client, next = true, clientSchema
		case "broker":
			inner.broker, next = true, addressSchema
		case "dns_server":
			inner.dnsServer, next = true, addressSchema
		case "router":
			t.RouterProtocol = lower(el.attrs["protocol"])
			inner.router, next = true, routerSchema
		case "keepalive":
			t.KeepaliveInterval = lower(el.attrs["interval"])
			inner.keepalive, next = true, addressSchema
		case "prefix":
			t.PrefixLength = lower(el.attrs["length"])
			t.Prefix = lower(el.content)
		case "as":
			if sc.client {
				t.ClientAS = lower(el.attrs["number"])
			} else if sc.server {
				t.ServerAS = lower(el.attrs["number"])
			}
		case "address":
			t.assignAddress(el.attrs["type"], lower(el.content), sc)
		}
		if next != nil {
			if err := t.walk(el.content, next, inner); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tunnel) assignAddress(kind, value string, sc scope) {
	switch {
	case sc.client && sc.keepalive:
		if kind == "ipv4" || kind == "ipv6" {
			t.KeepaliveAddress = value
		}
	case sc.client && sc.router:
		// Router DNS servers are for the delegated prefix and not configured here.
		return
	case sc.client && sc.dnsServer:
		if kind == "ipv6" {
			t.ClientDNSServerIPv6 = value
		}
	case sc.client:
		switch kind {
		case "ipv4":
			t.ClientAddressIPv4 = value
		case "ipv6":
			t.ClientAddressIPv6 = value
		case "dn":
			t.ClientDNSName = value
		}
	case sc.server:
		switch kind {
		case "ipv4":
			t.ServerAddressIPv4 = value
		case "ipv6":
			t.ServerAddressIPv6 = value
		}
	case sc.broker:
		switch kind {
		case "ipv4":
			t.BrokersIPv4 = append(t.BrokersIPv4, value)
		case "ipv6":
			t.BrokersIPv6 = append(t.BrokersIPv6, value)
		case "dn":
			t.BrokersDN = append(t.BrokersDN, value)
		}
	}
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Character sets accepted for descriptor fields before they are handed to
// the interface configuration scripts.
const (
	charsIPv4    = ".0123456789"
	charsIPv6    = "ABCDEFabcdef:0123456789"
	charsAny     = "ABCDEFabcdef:0123456789."
	charsNumeric = "0123456789"
	charsDNSName = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.-"
)

func isAll(charset, s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(charset, s[i]) < 0 {
			return false
		}
	}
	return true
}

var ErrBadTunnelParam = errors.New("tsp: bad tunnel parameter")

// Validate checks every field that ends up in the interface configuration
// environment.
func (t *Tunnel) Validate() error {
	var bad []string
	check := func(field, charset, value string) {
		if !isAll(charset, value) {
			bad = append(bad, field)
		}
	}
	if _, err := ParseTunnelMode(t.Type); err != nil {
		bad = append(bad, "type")
	}
	check("client ipv4", charsIPv4, t.ClientAddressIPv4)
	check("client ipv6", charsIPv6, t.ClientAddressIPv6)
	if t.ClientDNSServerIPv6 != "" {
		check("client dns ipv6", charsIPv6, t.ClientDNSServerIPv6)
	}
	if t.ClientDNSName != "" {
		check("client dns name", charsDNSName, t.ClientDNSName)
	}
	if t.KeepaliveAddress != "" {
		check("keepalive address", charsAny, t.KeepaliveAddress)
	}
	check("server ipv4", charsIPv4, t.ServerAddressIPv4)
	check("server ipv6", charsIPv6, t.ServerAddressIPv6)
	if t.Prefix != "" {
		check("prefix", charsAny, t.Prefix)
		check("prefix length", charsNumeric, t.PrefixLength)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrBadTunnelParam, strings.Join(bad, ", "))
	}
	return nil
}

// Lease is the tunnel lifetime negotiated with the broker.
type Lease struct {
	expires time.Time
}

// NewLease starts the lease at now. A zero or unparsable lifetime never
// expires.
func (t *Tunnel) NewLease(now time.Time) Lease {
	secs, err := strconv.Atoi(t.Lifetime)
	if err != nil || secs <= 0 {
		return Lease{}
	}
	return Lease{expires: now.Add(time.Duration(secs) * time.Second)}
}

func (l Lease) Expires() time.Time { return l.expires }

func (l Lease) Expired(now time.Time) bool {
	return !l.expires.IsZero() && now.After(l.expires)
}

// Clear drops everything learned from the broker.
func (t *Tunnel) Clear() { *t = Tunnel{} }
