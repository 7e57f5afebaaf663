// Package transport carries TSP messages to a broker over TCP, over UDP
// with a small retransmission layer (RUDP), or over bare UDP datagrams.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Kind selects a transport variant.
type Kind int

const (
	TCP Kind = iota
	TCP6
	RUDP
	RUDP6
	UDP
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case TCP6:
		return "tcp6"
	case RUDP:
		return "rudp"
	case RUDP6:
		return "rudp6"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsRUDP reports whether k is one of the reliable UDP variants. Those have
// no connect handshake, so an unreachable broker only shows up on the first
// exchange.
func (k Kind) IsRUDP() bool { return k == RUDP || k == RUDP6 }

// IPv6 reports whether k runs over IPv6.
func (k Kind) IPv6() bool { return k == TCP6 || k == RUDP6 }

func (k Kind) network(base string) string {
	switch k {
	case TCP6, RUDP6:
		return base + "6"
	case UDP:
		return base
	}
	return base + "4"
}

// Transport is a connection to a broker.
type Transport interface {
	io.ReadWriteCloser

	Connect(ctx context.Context, host string, port uint16) error

	// SendReceive writes out and reads a single reply into in.
	SendReceive(out, in []byte) (int, error)

	Printf(format string, args ...any) (int, error)

	LocalAddr() net.Addr
	Kind() Kind
}

// Raw is implemented by transports whose socket can carry tunnelled
// packets once negotiation is over. The v6udpv4 data path reuses the RUDP
// socket so the broker sees data from the same source port.
type Raw interface {
	RawConn() net.Conn
}

// New returns an unconnected transport of the given kind.
func New(kind Kind) Transport {
	switch kind {
	case RUDP, RUDP6:
		return newRUDP(kind)
	case UDP:
		return newDatagram()
	}
	return newStream(kind)
}

// ParseAddrPort splits "host", "host:port", "[v6]" or "[v6]:port". A bare
// IPv6 literal is taken as a host without port.
func ParseAddrPort(s string, defaultPort uint16) (string, uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, ErrBadAddress
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		host, rest := s[1:end], s[end+1:]
		if host == "" {
			return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		if rest == "" {
			return host, defaultPort, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}

	switch strings.Count(s, ":") {
	case 0:
		return s, defaultPort, nil
	case 1:
		host, p, _ := strings.Cut(s, ":")
		if host == "" {
			return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		port, err := parsePort(p)
		return host, port, err
	}
	return s, defaultPort, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: port %q", ErrBadAddress, s)
	}
	return uint16(n), nil
}

// resolve returns the first address of host in the family required by k.
func resolve(ctx context.Context, k Kind, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if (ip.To4() == nil) != k.IPv6() && k != UDP {
			return nil, fmt.Errorf("%w: %s is not an %s address", ErrResolve, host, k.network("ip"))
		}
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	for _, a := range addrs {
		if k == UDP || (a.IP.To4() == nil) == k.IPv6() {
			return a.IP, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s address for %s", ErrResolve, k.network("ip"), host)
}
