package tsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateRequestHost(t *testing.T) {
	got := CreateRequest(RequestParams{
		Mode:              ModeV6AnyV4,
		ClientV4:          "198.51.100.7",
		Keepalive:         true,
		KeepaliveInterval: 30,
	})
	want := "<tunnel action=\"create\" type=\"v6anyv4\" proxy=\"no\">\r\n" +
		" <client>\r\n" +
		"  <address type=\"ipv4\">198.51.100.7</address>\r\n" +
		"  <keepalive interval=\"30\">\r\n    <address type=\"ipv6\">::</address>\r\n  </keepalive>\r\n" +
		" </client>\r\n" +
		"</tunnel>\r\n"
	assert.Equal(t, want, got)
}

func TestCreateRequestRouter(t *testing.T) {
	got := CreateRequest(RequestParams{
		Mode:            ModeV4V6,
		Proxy:           true,
		ClientV6:        "2001:db8::2",
		Router:          true,
		RoutingProtocol: "rip",
		DNSServer:       "ns1.example.net:ns2.example.net",
	})
	want := "<tunnel action=\"create\" type=\"v4v6\" proxy=\"yes\">\r\n" +
		" <client>\r\n" +
		"  <address type=\"ipv6\">2001:db8::2</address>\r\n" +
		"  <router protocol=\"rip\">\r\n" +
		"   <prefix length=\"24\"/>\r\n" +
		"   <dns_server>\r\n" +
		"     <address type=\"dn\">ns1.example.net</address>\r\n" +
		"     <address type=\"dn\">ns2.example.net</address>\r\n" +
		"   </dns_server>\r\n" +
		"  </router>\r\n" +
		" </client>\r\n" +
		"</tunnel>\r\n"
	assert.Equal(t, want, got)
}

func TestCreateRequestParsesAsTunnel(t *testing.T) {
	req := CreateRequest(RequestParams{Mode: ModeV6V4, ClientV4: "198.51.100.7", Router: true, PrefixLen: 56})
	tun, err := ParseTunnel([]byte(req))
	if assert.NoError(t, err) {
		assert.Equal(t, "create", tun.Action)
		assert.Equal(t, "198.51.100.7", tun.ClientAddressIPv4)
		assert.Equal(t, "56", tun.PrefixLength)
	}
}
