// Package broker builds, measures, sorts and persists the list of brokers a
// server redirects the client to.
package broker

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/tsp"
)

var (
	ErrTooManyBrokers  = errors.New("broker: too many brokers in list")
	ErrEmptyBrokerList = errors.New("broker: empty broker list")
	ErrAddressTooLong  = errors.New("broker: address too long")
)

// AddressType tells how a broker address was given.
type AddressType int

const (
	TypeNone AddressType = iota
	TypeDN
	TypeIPv4
	TypeIPv6
)

func (t AddressType) String() string {
	switch t {
	case TypeDN:
		return "fqdn"
	case TypeIPv4:
		return "ipv4"
	case TypeIPv6:
		return "ipv6"
	}
	return "none"
}

// ClassifyAddress guesses the type of an address read back from storage.
func ClassifyAddress(addr string) AddressType {
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	switch {
	case ip == nil:
		return TypeDN
	case ip.To4() != nil:
		return TypeIPv4
	}
	return TypeIPv6
}

// Entry is one broker. Distance is a round trip in milliseconds plus any
// penalties.
type Entry struct {
	Address  string
	Type     AddressType
	Distance uint32
}

// List is an ordered broker list holding at most config.MaxBrokers entries.
type List struct {
	entries []Entry
}

// Add appends a broker. A full list is left untouched.
func (l *List) Add(addr string, typ AddressType, distance uint32) error {
	if len(l.entries) >= config.MaxBrokers {
		return fmt.Errorf("%w: limit is %d", ErrTooManyBrokers, config.MaxBrokers)
	}
	if len(addr) >= config.MaxBrokerAddrLen {
		return fmt.Errorf("%w: %q", ErrAddressTooLong, addr)
	}
	l.entries = append(l.entries, Entry{Address: addr, Type: typ, Distance: distance})
	return nil
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

func (l *List) At(i int) Entry { return l.entries[i] }

// Entries returns a copy of the list.
func (l *List) Entries() []Entry {
	if l == nil {
		return nil
	}
	return append([]Entry(nil), l.entries...)
}

// SortByDistance orders the list by ascending distance, keeping the server
// given order among equal distances.
func (l *List) SortByDistance() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].Distance < l.entries[j].Distance
	})
}

func (l *List) String() string {
	if l.Len() == 0 {
		return "[ ]"
	}
	parts := make([]string, len(l.entries))
	for i, e := range l.entries {
		parts[i] = e.Address
	}
	return "[ " + strings.Join(parts, ", ") + " ]"
}

// FromTunnel flattens the redirect lists of a broker reply: IPv4 addresses
// first, then IPv6, then domain names.
func FromTunnel(t *tsp.Tunnel) (*List, error) {
	l := &List{}
	groups := []struct {
		addrs []string
		typ   AddressType
	}{
		{t.BrokersIPv4, TypeIPv4},
		{t.BrokersIPv6, TypeIPv6},
		{t.BrokersDN, TypeDN},
	}
	for _, g := range groups {
		for _, addr := range g.addrs {
			if err := l.Add(addr, g.typ, 0); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

// FormatAddr makes a broker address usable as a server setting: bare IPv6
// literals get brackets so a port can follow.
func FormatAddr(addr string) string {
	if strings.HasPrefix(addr, "[") {
		return addr
	}
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "[" + addr + "]"
	}
	return addr
}
