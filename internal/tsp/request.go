package tsp

import (
	"fmt"
	"strings"
)

// RequestParams are the configuration values carried in a create request.
type RequestParams struct {
	Mode              TunnelMode
	Proxy             bool
	ClientV4          string
	ClientV6          string
	Keepalive         bool
	KeepaliveInterval int
	Router            bool
	RoutingProtocol   string
	RoutingInfo       string
	PrefixLen         int
	DNSServer         string
}

const defaultRoute = "default_route"

// DefaultPrefixLen is requested by routers that did not configure one.
func DefaultPrefixLen(mode TunnelMode) int {
	if mode == ModeV4V6 {
		return 24
	}
	return 48
}

// CreateRequest renders the tunnel creation payload.
func CreateRequest(p RequestParams) string {
	var b strings.Builder

	proxy := "no"
	if p.Proxy {
		proxy = "yes"
	}
	fmt.Fprintf(&b, "<tunnel action=\"create\" type=\"%s\" proxy=\"%s\">\r\n", p.Mode, proxy)
	b.WriteString(" <client>\r\n")
	if p.Mode == ModeV4V6 {
		fmt.Fprintf(&b, "  <address type=\"ipv6\">%s</address>\r\n", p.ClientV6)
	} else {
		fmt.Fprintf(&b, "  <address type=\"ipv4\">%s</address>\r\n", p.ClientV4)
	}

	if p.Keepalive {
		addrType, addr := "ipv6", "::"
		if p.Mode == ModeV4V6 {
			addrType, addr = "ipv4", "127.0.0.1"
		}
		fmt.Fprintf(&b, "  <keepalive interval=\"%d\">\r\n    <address type=\"%s\">%s</address>\r\n  </keepalive>\r\n",
			p.KeepaliveInterval, addrType, addr)
	}

	if p.Router {
		protocol := p.RoutingProtocol
		if protocol == "" {
			protocol = defaultRoute
		}
		b.WriteString("  <router")
		if protocol != defaultRoute {
			fmt.Fprintf(&b, " protocol=\"%s\"", protocol)
		}
		b.WriteString(">\r\n")

		plen := p.PrefixLen
		if plen == 0 {
			plen = DefaultPrefixLen(p.Mode)
		}
		fmt.Fprintf(&b, "   <prefix length=\"%d\"/>\r\n", plen)

		if p.DNSServer != "" {
			b.WriteString("   <dns_server>\r\n")
			for _, server := range strings.Split(p.DNSServer, ":") {
				if server == "" {
					continue
				}
				fmt.Fprintf(&b, "     <address type=\"dn\">%s</address>\r\n", server)
			}
			b.WriteString("   </dns_server>\r\n")
		}
		if protocol == defaultRoute && p.RoutingInfo != "" {
			fmt.Fprintf(&b, "    %s\r\n", p.RoutingInfo)
		}
		b.WriteString("  </router>\r\n")
	}

	b.WriteString(" </client>\r\n")
	b.WriteString("</tunnel>\r\n")
	return b.String()
}

// AcceptRequest acknowledges a tunnel offer.
func AcceptRequest() string {
	return "<tunnel action=\"accept\"></tunnel>\r\n"
}
