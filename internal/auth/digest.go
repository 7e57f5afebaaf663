package auth

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// Challenge holds the directives of a DIGEST-MD5 server challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Qop       string
	Algorithm string
	Charset   string
	RspAuth   string
}

// ParseChallenge splits a decoded challenge into its directives. Values may
// be quoted; unknown directives are ignored.
func ParseChallenge(s string) Challenge {
	var c Challenge
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\r' || r == '\n' }) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		value = strings.TrimSuffix(strings.TrimPrefix(value, `"`), `"`)
		switch strings.TrimSpace(key) {
		case "realm":
			c.Realm = value
		case "nonce":
			c.Nonce = value
		case "qop":
			c.Qop = value
		case "algorithm":
			c.Algorithm = value
		case "charset":
			c.Charset = value
		case "rspauth":
			c.RspAuth = value
		}
	}
	return c
}

// DigestInput is everything the response computation depends on.
type DigestInput struct {
	UserID   string
	Password string
	Server   string
	CNonce   string
	// Legacy truncates the inner hash at its first NUL byte, the way
	// brokers up to 2.0.0 computed it.
	Legacy bool
}

// Digest is the computed client side of a DIGEST-MD5 exchange.
type Digest struct {
	Response string
	// ServerResponse is the rspauth value the broker must send back.
	ServerResponse string
	Message        string
}

func md5hex(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeDigest builds the response message for challenge c.
func ComputeDigest(c Challenge, in DigestInput) Digest {
	a2 := md5hex("AUTHENTICATE:tsp/" + in.Server)
	serverA2 := md5hex(":tsp/" + in.Server)

	inner := md5.Sum([]byte(in.UserID + ":" + c.Realm + ":" + in.Password))
	var a1 string
	if i := bytes.IndexByte(inner[:], 0); in.Legacy && i >= 0 {
		a1 = md5hex(string(inner[:i]))
	} else {
		a1 = md5hex(string(inner[:]), ":"+c.Nonce+":"+in.CNonce)
	}

	tail := ":" + c.Nonce + ":00000001:" + in.CNonce + ":" + c.Qop + ":"
	d := Digest{
		Response:       md5hex(a1 + tail + a2),
		ServerResponse: md5hex(a1 + tail + serverA2),
	}

	user := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(in.UserID)
	d.Message = fmt.Sprintf(`charset=%s,username="%s",realm="%s",nonce="%s",nc=00000001,cnonce="%s",digest-uri="tsp/%s",response=%s,qop=auth`,
		c.Charset, user, c.Realm, c.Nonce, in.CNonce, in.Server, d.Response)
	return d
}

// DigestMD5 authenticates with a challenge/response over an MD5 digest and
// checks the broker's own proof of the password.
type DigestMD5 struct {
	// Now seeds the client nonce. Defaults to time.Now.
	Now func() time.Time
}

func (*DigestMD5) Name() string { return "DIGEST-MD5" }

func (d *DigestMD5) Authenticate(ctx context.Context, conn transport.Transport, p *Params) (status.Status, *broker.List) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	buf := newBuffer()
	n, err := conn.SendReceive([]byte("AUTHENTICATE DIGEST-MD5\r\n"), buf)
	if err != nil {
		return fail(status.SocketIO), nil
	}
	reply := buf[:n]
	if st, l, ok := redirected(ctx, p, reply); ok {
		return st, l
	}
	if tsp.StatusCode(reply) == tsp.CodeAuthFailed {
		return fail(status.AuthenticationFailure), nil
	}

	raw, err := decodeLine(reply)
	if err != nil {
		log.WithError(err).Error("invalid DIGEST-MD5 challenge")
		return fail(status.AuthenticationFailure), nil
	}
	c := ParseChallenge(string(raw))

	digest := ComputeDigest(c, DigestInput{
		UserID:   p.UserID,
		Password: p.Password,
		Server:   p.Server,
		CNonce:   fmt.Sprint(now().Unix()),
		Legacy:   tsp.LegacyDigest(p.Version.String()),
	})

	out := base64.StdEncoding.EncodeToString([]byte(digest.Message)) + "\r\n"
	n, err = conn.SendReceive([]byte(out), buf)
	if err != nil {
		return fail(status.SocketIO), nil
	}
	reply = buf[:n]
	if st, l, ok := redirected(ctx, p, reply); ok {
		return st, l
	}
	if tsp.StatusCode(reply) == tsp.CodeAuthFailed {
		return fail(status.AuthenticationFailure), nil
	}

	// Some brokers send the final status in the same datagram as rspauth.
	line, rest, _ := bytes.Cut(reply, []byte("\r\n"))
	raw, err = base64.StdEncoding.DecodeString(string(bytes.TrimSpace(line)))
	if err != nil {
		log.WithError(err).Error("invalid DIGEST-MD5 server response")
		return fail(status.AuthenticationFailure), nil
	}
	if ParseChallenge(string(raw)).RspAuth != digest.ServerResponse {
		log.Error("broker failed to prove knowledge of the password")
		return fail(status.AuthenticationFailure), nil
	}

	final := rest
	if len(bytes.TrimSpace(final)) == 0 {
		n, err = conn.Read(buf)
		if err != nil {
			return fail(status.SocketIO), nil
		}
		final = buf[:n]
	}
	if st, l, ok := redirected(ctx, p, final); ok {
		return st, l
	}
	return verdict(final, p.UserID), nil
}

// decodeLine base64 decodes the first line of reply.
func decodeLine(reply []byte) ([]byte, error) {
	line, _, _ := bytes.Cut(reply, []byte("\n"))
	return base64.StdEncoding.DecodeString(string(bytes.TrimSpace(line)))
}
