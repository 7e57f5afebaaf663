package server

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/auth"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/tsp"
)

type state int

const (
	stateVersion state = iota
	stateAuth
	statePlain
	stateDigest
	stateRequest
	stateAccept
	stateEstablished
	stateClosed
)

// exchange is the broker side of one TSP session. handle is fed one client
// message at a time and returns the reply, or nil when the protocol
// expects none.
type exchange struct {
	cfg   *Config
	peer  net.Addr
	state state

	version string
	user    string
	nonce   string
	tunnel  *tsp.Tunnel
}

func newExchange(cfg *Config, peer net.Addr) *exchange {
	return &exchange{cfg: cfg, peer: peer}
}

func (x *exchange) event(stage, detail string) {
	if x.cfg.OnEvent != nil {
		x.cfg.OnEvent(Event{Peer: x.peer.String(), Stage: stage, Detail: detail})
	}
}

func (x *exchange) established() bool { return x.state == stateEstablished }

func (x *exchange) handle(msg []byte) []byte {
	if len(msg) == 0 {
		return nil
	}
	logger := log.WithFields(log.Fields{"peer": x.peer, "state": x.state})
	logger.WithField("message", string(bytes.TrimSpace(msg))).Trace("broker received")

	switch x.state {
	case stateVersion:
		return x.onVersion(msg)
	case stateAuth:
		return x.onAuthenticate(msg)
	case statePlain:
		return x.onPlain(msg)
	case stateDigest:
		return x.onDigest(msg)
	case stateRequest:
		return x.onRequest(msg)
	case stateAccept:
		x.state = stateEstablished
		x.event("accept", x.tunnel.Type)
		logger.Info("tunnel established")
		return nil
	}
	return nil
}

func (x *exchange) onVersion(msg []byte) []byte {
	line := strings.TrimSpace(string(msg))
	version, ok := strings.CutPrefix(line, "VERSION=")
	if !ok {
		x.state = stateClosed
		return reply(tsp.CodeInvalidRequest)
	}
	x.version = version
	x.event("version", version)

	switch {
	case x.cfg.Busy:
		x.state = stateClosed
		return reply(tsp.CodeServerTooBusy)
	case x.cfg.refuses(version):
		x.state = stateClosed
		return reply(tsp.CodeUnsupportedVersion)
	case len(x.cfg.Redirect) > 0:
		x.state = stateClosed
		x.event("redirect", strings.Join(x.cfg.Redirect, ","))
		return redirectReply(x.cfg.Redirect)
	}
	x.state = stateAuth
	return []byte(x.cfg.capability() + "\r\n")
}

func (x *exchange) onAuthenticate(msg []byte) []byte {
	mech, ok := strings.CutPrefix(strings.TrimSpace(string(msg)), "AUTHENTICATE ")
	if !ok {
		x.state = stateClosed
		return reply(tsp.CodeInvalidRequest)
	}
	x.event("authenticate", mech)

	switch strings.ToUpper(mech) {
	case "ANONYMOUS":
		x.state = stateRequest
		return reply(tsp.CodeSuccess)
	case "PLAIN":
		x.state = statePlain
		return nil
	case "DIGEST-MD5":
		x.state = stateDigest
		x.nonce = x.cfg.Nonce
		if x.nonce == "" {
			x.nonce = uuid.NewString()
		}
		challenge := fmt.Sprintf(`realm="%s",nonce="%s",qop="auth",algorithm=md5-sess,charset=utf-8`, x.cfg.realm(), x.nonce)
		return []byte(base64.StdEncoding.EncodeToString([]byte(challenge)) + "\r\n")
	}
	x.state = stateClosed
	return reply(tsp.CodeAuthFailed)
}

func (x *exchange) onPlain(msg []byte) []byte {
	fields := strings.Split(strings.TrimRight(string(msg), "\r\n"), "\x00")
	if len(fields) != 3 {
		x.state = stateClosed
		return reply(tsp.CodeAuthFailed)
	}
	return x.verdict(fields[1], x.cfg.Users[fields[1]] == fields[2] && fields[2] != "")
}

func (x *exchange) onDigest(msg []byte) []byte {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(msg)))
	if err != nil {
		x.state = stateClosed
		return reply(tsp.CodeAuthFailed)
	}
	d := directives(string(raw))
	user := d["username"]
	password, known := x.cfg.Users[user]
	digest := auth.ComputeDigest(
		auth.Challenge{Realm: x.cfg.realm(), Nonce: x.nonce, Qop: "auth", Charset: "utf-8"},
		auth.DigestInput{
			UserID:   user,
			Password: password,
			Server:   strings.TrimPrefix(d["digest-uri"], "tsp/"),
			CNonce:   d["cnonce"],
			Legacy:   tsp.LegacyDigest(x.version),
		},
	)
	if !known || d["nonce"] != x.nonce || d["response"] != digest.Response {
		return x.verdict(user, false)
	}
	proof := base64.StdEncoding.EncodeToString([]byte("rspauth=" + digest.ServerResponse))
	return append([]byte(proof+"\r\n"), x.verdict(user, true)...)
}

func (x *exchange) verdict(user string, ok bool) []byte {
	x.user = user
	if !ok {
		x.state = stateClosed
		x.event("auth failed", user)
		return reply(tsp.CodeAuthFailed)
	}
	x.state = stateRequest
	x.event("auth ok", user)
	return reply(tsp.CodeSuccess)
}

func (x *exchange) onRequest(msg []byte) []byte {
	payload, err := tsp.Decode(msg, nil)
	if err != nil {
		x.state = stateClosed
		return tsp.Encode(reply(tsp.CodeInvalidRequest))
	}
	i := bytes.IndexByte(payload, '<')
	if i < 0 {
		x.state = stateClosed
		return tsp.Encode(reply(tsp.CodeInvalidRequest))
	}
	req, err := tsp.ParseTunnel(payload[i:])
	if err != nil || req.Action != "create" {
		x.state = stateClosed
		return tsp.Encode(reply(tsp.CodeInvalidRequest))
	}
	x.event("create", req.Type)

	offer := x.cfg.Offer
	if offer == "" {
		offer = DefaultOffer(req.Type, x.peer)
	}
	t, err := tsp.ParseTunnel([]byte(offer))
	if err != nil {
		log.WithError(err).Error("configured tunnel offer does not parse")
		x.state = stateClosed
		return tsp.Encode(reply(tsp.CodeUndefined))
	}
	x.tunnel = t
	x.state = stateAccept
	if x.version == tsp.VersionOldest.String() {
		x.state = stateEstablished
		x.event("accept", t.Type)
	}
	return tsp.Encode(append(reply(tsp.CodeSuccess), offer...))
}

func reply(code int) []byte {
	return []byte(fmt.Sprintf("%d %s\r\n", code, tsp.CodeText(code)))
}

// redirectReply lists brokers by address type.
func redirectReply(brokers []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s\r\n", tsp.CodeRedirect, tsp.CodeText(tsp.CodeRedirect))
	b.WriteString("<tunnel action=\"list\" type=\"v6anyv4\">\r\n <broker>\r\n")
	for _, addr := range brokers {
		typ := "dn"
		if ip := net.ParseIP(addr); ip != nil {
			typ = "ipv6"
			if ip.To4() != nil {
				typ = "ipv4"
			}
		}
		fmt.Fprintf(&b, "  <address type=\"%s\">%s</address>\r\n", typ, addr)
	}
	b.WriteString(" </broker>\r\n</tunnel>\r\n")
	return []byte(b.String())
}

// directives splits a DIGEST-MD5 response into its key/value pairs,
// unquoting values.
func directives(s string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(value, `"`) {
			value = strings.TrimSuffix(strings.TrimPrefix(value, `"`), `"`)
			value = strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(value)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out
}

// DefaultOffer builds the tunnel a broker offers for a requested type. The
// client IPv4 address is the peer's when it has one.
func DefaultOffer(mode string, peer net.Addr) string {
	clientV4 := "192.0.2.10"
	if ua, ok := peer.(*net.UDPAddr); ok && ua.IP.To4() != nil {
		clientV4 = ua.IP.String()
	} else if ta, ok := peer.(*net.TCPAddr); ok && ta.IP.To4() != nil {
		clientV4 = ta.IP.String()
	}
	if mode == "" || mode == "v6anyv4" {
		mode = "v6v4"
	}
	return fmt.Sprintf(`<tunnel action="info" type="%s" lifetime="%d">
 <server>
  <address type="ipv4">198.51.100.1</address>
  <address type="ipv6">2001:db8:0:1::1</address>
 </server>
 <client>
  <address type="ipv4">%s</address>
  <address type="ipv6">2001:db8:0:1::2</address>
  <address type="dn">client.broker.example.net</address>
  <keepalive interval="30">
   <address type="ipv6">2001:db8:0:1::1</address>
  </keepalive>
 </client>
</tunnel>
`, mode, config.BrokerTunnelLifetime, clientV4)
}
