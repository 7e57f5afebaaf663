// Package auth runs the TSP authentication exchange with a broker.
package auth

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// RedirectHandler turns a redirect reply into a broker list.
type RedirectHandler interface {
	Handle(ctx context.Context, stage status.Context, reply []byte) (status.Status, *broker.List)
}

// Params carries what every mechanism needs from the configuration.
type Params struct {
	UserID   string
	Password string
	// Server is the broker address as configured. DIGEST-MD5 puts it in
	// the digest URI and PASSDSS keys the trust file on it.
	Server  string
	Version tsp.Version

	KeyFile    *KeyFile
	AutoAccept bool
	Prompter   Prompter

	Redirect RedirectHandler
}

// Authenticator is one SASL style mechanism.
type Authenticator interface {
	Name() string
	Authenticate(ctx context.Context, conn transport.Transport, p *Params) (status.Status, *broker.List)
}

// mechanisms in the order they are tried, most secure first.
var mechanisms = []struct {
	bit  tsp.Capability
	auth Authenticator
}{
	{tsp.AuthPassDSS, &PassDSS{}},
	{tsp.AuthDigestMD5, &DigestMD5{}},
	{tsp.AuthPlain, Plain{}},
}

// Mask returns the capability bits allowed by a configured auth method.
func Mask(method string) tsp.Capability {
	switch strings.ToLower(method) {
	case "any":
		return tsp.AuthAny
	case "passdss-3des-1":
		return tsp.AuthPassDSS
	case "digest-md5":
		return tsp.AuthDigestMD5
	case "plain":
		return tsp.AuthPlain
	case "anonymous":
		return tsp.AuthAnonymous
	}
	return 0
}

// Select picks the strongest mechanism both sides allow. Anonymous is only
// used when it is the configured method.
func Select(method string, offered tsp.Capability) (Authenticator, bool) {
	mask := Mask(method)
	if strings.EqualFold(method, "anonymous") {
		if mask&offered&tsp.AuthAnonymous != 0 {
			return Anonymous{}, true
		}
		return nil, false
	}
	for _, m := range mechanisms {
		if mask&offered&m.bit != 0 {
			return m.auth, true
		}
	}
	return nil, false
}

// Run selects a mechanism and authenticates with it.
func Run(ctx context.Context, conn transport.Transport, method string, offered tsp.Capability, p *Params) (status.Status, *broker.List) {
	a, ok := Select(method, offered)
	if !ok {
		log.WithFields(log.Fields{
			"server":     offered.String(),
			"configured": Mask(method).String(),
		}).Error("no common authentication method")
		return status.Make(status.CtxTspAuthentication, status.NoCommonAuthentication), nil
	}
	log.WithField("mechanism", a.Name()).Info("authenticating")
	return a.Authenticate(ctx, conn, p)
}

func fail(n status.Number) status.Status {
	return status.Make(status.CtxTspAuthentication, n)
}

// redirected short-circuits on a redirect status. It is checked after
// every round trip.
func redirected(ctx context.Context, p *Params, reply []byte) (status.Status, *broker.List, bool) {
	if !tsp.IsRedirect(tsp.StatusCode(reply)) {
		return status.OK, nil, false
	}
	if p.Redirect == nil {
		return fail(status.ErrBrokerRedirection), nil, true
	}
	st, l := p.Redirect.Handle(ctx, status.CtxTspAuthentication, reply)
	return st, l, true
}

// verdict maps the final reply of an exchange.
func verdict(reply []byte, user string) status.Status {
	switch code := tsp.StatusCode(reply); code {
	case tsp.CodeSuccess:
		return fail(status.Success)
	case tsp.CodeAuthFailed:
		log.WithField("user", user).Error("authentication failed")
		return fail(status.AuthenticationFailure)
	default:
		log.WithFields(log.Fields{"code": code, "text": tsp.CodeText(code)}).Error("authentication failed with unexpected status")
		return fail(status.TspGenericError)
	}
}

func newBuffer() []byte { return make([]byte, config.ProtocolBufferSize) }

// Anonymous sends no credentials.
type Anonymous struct{}

func (Anonymous) Name() string { return "ANONYMOUS" }

func (Anonymous) Authenticate(ctx context.Context, conn transport.Transport, p *Params) (status.Status, *broker.List) {
	buf := newBuffer()
	n, err := conn.SendReceive([]byte("AUTHENTICATE ANONYMOUS\r\n"), buf)
	if err != nil {
		return fail(status.SocketIO), nil
	}
	reply := buf[:n]
	if st, l, ok := redirected(ctx, p, reply); ok {
		return st, l
	}
	if tsp.StatusCode(reply) != tsp.CodeSuccess {
		return fail(status.TspGenericError), nil
	}
	return fail(status.Success), nil
}

// Plain sends the user and password in clear, NUL separated.
type Plain struct{}

func (Plain) Name() string { return "PLAIN" }

func (Plain) Authenticate(ctx context.Context, conn transport.Transport, p *Params) (status.Status, *broker.List) {
	if _, err := conn.Write([]byte("AUTHENTICATE PLAIN\r\n")); err != nil {
		return fail(status.SocketIO), nil
	}
	creds := "\x00" + p.UserID + "\x00" + p.Password + "\r\n"
	buf := newBuffer()
	n, err := conn.SendReceive([]byte(creds), buf)
	if err != nil {
		return fail(status.SocketIO), nil
	}
	reply := buf[:n]
	if st, l, ok := redirected(ctx, p, reply); ok {
		return st, l
	}
	return verdict(reply, p.UserID), nil
}
