package tsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offer = `<tunnel action="info" type="v6v4" lifetime="604800">
  <server>
    <address type="ipv4">192.0.2.1</address>
    <address type="ipv6">2001:DB8::1</address>
  </server>
  <client>
    <address type="ipv4">198.51.100.7</address>
    <address type="ipv6">2001:db8::2</address>
    <address type="dn">alice.broker.example.net</address>
    <keepalive interval="30">
      <address type="ipv6">2001:db8::1</address>
    </keepalive>
    <router>
      <prefix length="56">2001:db8:100::</prefix>
      <dns_server>
        <address type="ipv6">2001:db8::53</address>
        <address type="ipv6">2001:db8::54</address>
      </dns_server>
    </router>
  </client>
</tunnel>`

func TestParseTunnelOffer(t *testing.T) {
	tun, err := ParseTunnel([]byte(offer))
	require.NoError(t, err)

	assert.Equal(t, "info", tun.Action)
	assert.Equal(t, "v6v4", tun.Type)
	assert.Equal(t, "604800", tun.Lifetime)
	assert.Equal(t, "192.0.2.1", tun.ServerAddressIPv4)
	assert.Equal(t, "2001:db8::1", tun.ServerAddressIPv6)
	assert.Equal(t, "198.51.100.7", tun.ClientAddressIPv4)
	assert.Equal(t, "2001:db8::2", tun.ClientAddressIPv6)
	assert.Equal(t, "alice.broker.example.net", tun.ClientDNSName)
	assert.Equal(t, "30", tun.KeepaliveInterval)
	assert.Equal(t, "2001:db8::1", tun.KeepaliveAddress)
	assert.Equal(t, "2001:db8:100::", tun.Prefix)
	assert.Equal(t, "56", tun.PrefixLength)
	assert.Empty(t, tun.ClientDNSServerIPv6)
	assert.NoError(t, tun.Validate())
}

func TestParseRedirect(t *testing.T) {
	payload := `<tunnel action="list" type="v6anyv4">
 <broker>
  <address type="ipv4">192.0.2.10</address>
  <address type="dn">b1.example.net</address>
  <address type="ipv6">2001:db8::10</address>
  <address type="dn">b2.example.net</address>
 </broker>
</tunnel>`
	tun, err := ParseTunnel([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10"}, tun.BrokersIPv4)
	assert.Equal(t, []string{"2001:db8::10"}, tun.BrokersIPv6)
	assert.Equal(t, []string{"b1.example.net", "b2.example.net"}, tun.BrokersDN)
}

func TestParseTunnelSkipsUnknownElements(t *testing.T) {
	payload := `<tunnel action="info"><extra foo="bar">ignored <b>x</b></extra><server><address type="ipv4">192.0.2.1</address></server></tunnel>`
	tun, err := ParseTunnel([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", tun.ServerAddressIPv4)
}

func TestParseTunnelRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"empty":              "",
		"text":               "hello",
		"missing end tag":    `<tunnel action="info"><server></server>`,
		"unquoted attribute": `<tunnel action=info></tunnel>`,
		"newline in value":   "<tunnel action=\"in\nfo\"></tunnel>",
		"bad name":           `<1tunnel></1tunnel>`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTunnel([]byte(payload))
			assert.ErrorIs(t, err, ErrBadTunnelPayload)
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Tunnel {
		return &Tunnel{
			Type:              "v6v4",
			ClientAddressIPv4: "198.51.100.7",
			ClientAddressIPv6: "2001:db8::2",
			ServerAddressIPv4: "192.0.2.1",
			ServerAddressIPv6: "2001:db8::1",
		}
	}
	tests := map[string]struct {
		mutate func(*Tunnel)
		ok     bool
	}{
		"valid":            {func(*Tunnel) {}, true},
		"shell injection":  {func(t *Tunnel) { t.ClientAddressIPv4 = "1.2.3.4;rm -rf /" }, false},
		"missing server":   {func(t *Tunnel) { t.ServerAddressIPv6 = "" }, false},
		"v4 in v6 field":   {func(t *Tunnel) { t.ClientAddressIPv6 = "::ffff:1.2.3.4" }, false},
		"bad dns":          {func(t *Tunnel) { t.ClientDNSServerIPv6 = "ns1" }, false},
		"prefix ok":        {func(t *Tunnel) { t.Prefix, t.PrefixLength = "2001:db8:100::", "56" }, true},
		"prefix len alpha": {func(t *Tunnel) { t.Prefix, t.PrefixLength = "2001:db8:100::", "5a" }, false},
		"v4v6 type":        {func(t *Tunnel) { t.Type = "v4v6" }, true},
		"unknown type":     {func(t *Tunnel) { t.Type = "v6v4;$(touch /tmp/x)" }, false},
		"missing type":     {func(t *Tunnel) { t.Type = "" }, false},
		"dns name ok":      {func(t *Tunnel) { t.ClientDNSName = "alice.broker-1.example.net" }, true},
		"dns name shell":   {func(t *Tunnel) { t.ClientDNSName = "x$(id)`y`.example" }, false},
		"dns name space":   {func(t *Tunnel) { t.ClientDNSName = "a b.example" }, false},
		"keepalive v4":     {func(t *Tunnel) { t.KeepaliveAddress = "192.0.2.1" }, true},
		"keepalive shell":  {func(t *Tunnel) { t.KeepaliveAddress = "2001:db8::1;id" }, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tun := base()
			tc.mutate(tun)
			err := tun.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBadTunnelParam)
			}
		})
	}
}

func TestLease(t *testing.T) {
	now := time.Unix(1000, 0)
	l := (&Tunnel{Lifetime: "60"}).NewLease(now)
	assert.False(t, l.Expired(now.Add(60*time.Second)))
	assert.True(t, l.Expired(now.Add(61*time.Second)))

	forever := (&Tunnel{}).NewLease(now)
	assert.False(t, forever.Expired(now.Add(1000*time.Hour)))
}
