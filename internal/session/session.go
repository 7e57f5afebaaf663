// Package session runs one TSP session against one broker: capability
// exchange, authentication, tunnel negotiation, interface setup, the tunnel
// loop and teardown.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/auth"
	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/keepalive"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
	"gogoc-tsp/internal/tun"
)

// Configurator configures the local tunnel interface from a negotiated
// tunnel. device is the name of a device this process created, or empty.
type Configurator interface {
	Setup(ctx context.Context, t *tsp.Tunnel, device string) error
	Teardown(ctx context.Context, t *tsp.Tunnel, device string) error
}

// Keepalive is the part of keepalive.Engine the tunnel loop drives.
type Keepalive interface {
	Start() error
	Status() keepalive.State
	Destroy() error
}

// KeepaliveFactory builds a keepalive engine. family is 4 or 6.
type KeepaliveFactory func(interval time.Duration, src, dst net.IP, family int) (Keepalive, error)

// DeviceOpener creates the v6udpv4 tunnel device.
type DeviceOpener func(cfg tun.Config) (tun.Device, error)

// State is reported to the status callback as the session progresses.
type State int

const (
	StateConnecting State = iota
	StateNegotiating
	StateEstablished
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event describes a session state change.
type Event struct {
	State  State
	Server string
	Tunnel *tsp.Tunnel
	Status status.Status
}

// StatusCallback is invoked on every session state change.
type StatusCallback func(Event)

// Option configures a Session.
type Option func(*Session)

func WithRedirect(h auth.RedirectHandler) Option {
	return func(s *Session) { s.redirect = h }
}

func WithStore(st broker.Store) Option {
	return func(s *Session) { s.store = st }
}

func WithConfigurator(c Configurator) Option {
	return func(s *Session) { s.configurator = c }
}

func WithDeviceOpener(f DeviceOpener) Option {
	return func(s *Session) { s.openDevice = f }
}

func WithKeepalive(f KeepaliveFactory) Option {
	return func(s *Session) { s.keepalive = f }
}

// WithKeyFile enables the PASSDSS trust store.
func WithKeyFile(k *auth.KeyFile, p auth.Prompter) Option {
	return func(s *Session) {
		s.keyFile = k
		s.prompter = p
	}
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(s *Session) { s.onStatus = cb }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session holds the collaborators of a TSP session. Run may be called
// repeatedly, once per connection attempt.
type Session struct {
	cfg  *config.Config
	mode tsp.TunnelMode

	redirect     auth.RedirectHandler
	store        broker.Store
	configurator Configurator
	openDevice   DeviceOpener
	keepalive    KeepaliveFactory
	keyFile      *auth.KeyFile
	prompter     auth.Prompter
	onStatus     StatusCallback
	now          func() time.Time

	tunnel *tsp.Tunnel
}

func New(cfg *config.Config, opts ...Option) (*Session, error) {
	mode, err := tsp.ParseTunnelMode(cfg.TunnelMode)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:          cfg,
		mode:         mode,
		configurator: tun.NewScriptConfigurator(cfg),
		openDevice:   tun.New,
		keepalive:    defaultKeepalive,
		onStatus:     func(Event) {},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func defaultKeepalive(interval time.Duration, src, dst net.IP, family int) (Keepalive, error) {
	return keepalive.New(interval, src, dst, family)
}

// Tunnel returns the tunnel negotiated by the last Run, or nil.
func (s *Session) Tunnel() *tsp.Tunnel { return s.tunnel }

func (s *Session) notify(state State, st status.Status) {
	s.onStatus(Event{State: state, Server: s.cfg.Server, Tunnel: s.tunnel, Status: st})
}

// Run performs one session over conn at protocol version v. The broker list
// is non-nil only when the broker redirected us.
func (s *Session) Run(ctx context.Context, conn transport.Transport, v tsp.Version) (st status.Status, list *broker.List) {
	s.tunnel = nil
	logger := log.WithFields(log.Fields{"server": s.cfg.Server, "transport": conn.Kind(), "version": v})
	defer func() {
		if !st.Success() {
			logger.WithField("status", st).Debug("session ended")
		}
		s.notify(StateDisconnected, st)
	}()

	s.notify(StateConnecting, status.OK)
	if st = s.connect(ctx, conn); !st.Success() {
		return st, nil
	}
	defer conn.Close()

	offered, st, list := s.capabilities(ctx, conn, v)
	if !st.Success() {
		return st, list
	}
	logger.WithField("capability", offered).Debug("broker capabilities")

	s.notify(StateNegotiating, status.OK)
	st, list = auth.Run(ctx, conn, s.cfg.AuthMethod, offered, s.authParams(v))
	if !st.Success() {
		return st, list
	}
	logger.Info("authenticated")

	if !s.mode.Available(offered) {
		logger.WithField("mode", s.mode).Error("tunnel mode not offered by broker")
		return status.Make(status.CtxTspAuthentication, status.TunModeNotAvailable), nil
	}

	params, st := s.requestParams(conn)
	if !st.Success() {
		return st, nil
	}

	t, st, list := s.negotiate(ctx, conn, v, params)
	if !st.Success() {
		return st, list
	}
	s.tunnel = t
	return s.establish(ctx, conn, t), nil
}

func (s *Session) connect(ctx context.Context, conn transport.Transport) status.Status {
	host, port, err := transport.ParseAddrPort(s.cfg.Server, config.DefaultPort)
	if err != nil {
		log.WithError(err).WithField("server", s.cfg.Server).Error("invalid server address")
		return status.Make(status.CtxNetworkConnect, status.InvalidServerAddress)
	}
	if err := conn.Connect(ctx, host, port); err != nil {
		log.WithError(err).WithField("server", s.cfg.Server).Warn("cannot connect")
		if errors.Is(err, transport.ErrResolve) {
			return status.Make(status.CtxNetworkConnect, status.FailResolveAddress)
		}
		return status.Make(status.CtxNetworkConnect, status.FailSocketConnect)
	}
	return status.Make(status.CtxNetworkConnect, status.Success)
}

// capabilities sends the protocol version and parses the broker's answer.
func (s *Session) capabilities(ctx context.Context, conn transport.Transport, v tsp.Version) (tsp.Capability, status.Status, *broker.List) {
	fail := func(n status.Number) status.Status { return status.Make(status.CtxTspCapabilities, n) }

	buf := make([]byte, config.ProtocolFrameSize)
	n, err := conn.SendReceive([]byte(fmt.Sprintf("VERSION=%s\r\n", v)), buf)
	if err != nil {
		// RUDP has no handshake: a silent socket means nobody listens.
		if conn.Kind().IsRUDP() {
			log.WithError(err).WithField("server", s.cfg.Server).Warn("no TSP listener")
			return 0, fail(status.FailSocketConnect), nil
		}
		log.WithError(err).Warn("capability exchange failed")
		return 0, fail(status.SocketIO), nil
	}
	reply := buf[:n]

	if tsp.IsCapability(reply) {
		c, err := tsp.ParseCapabilities(firstLine(reply))
		if err != nil {
			return 0, fail(status.TspGenericError), nil
		}
		return c, fail(status.Success), nil
	}

	code := tsp.StatusCode(reply)
	if tsp.IsRedirect(code) {
		st, list := s.handleRedirect(ctx, status.CtxTspCapabilities, reply)
		return 0, st, list
	}
	logger := log.WithFields(log.Fields{"code": code, "reply": tsp.CodeText(code)})
	switch code {
	case tsp.CodeServerTooBusy:
		logger.Warn("broker too busy")
		return 0, fail(status.TspServerTooBusy), nil
	case tsp.CodeUnsupportedVersion:
		logger.WithField("version", v).Warn("protocol version refused")
		return 0, fail(status.InvalidTspVersion), nil
	}
	logger.Error("unexpected capability reply")
	return 0, fail(status.TspGenericError), nil
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexAny(b, "\r\n"); i >= 0 {
		return b[:i]
	}
	return b
}

func (s *Session) handleRedirect(ctx context.Context, stage status.Context, reply []byte) (status.Status, *broker.List) {
	if s.redirect == nil {
		log.Error("broker redirected us but redirection is not handled")
		return status.Make(stage, status.ErrBrokerRedirection), nil
	}
	return s.redirect.Handle(ctx, stage, reply)
}

func (s *Session) authParams(v tsp.Version) *auth.Params {
	return &auth.Params{
		UserID:     s.cfg.UserID,
		Password:   s.cfg.Password,
		Server:     s.cfg.Server,
		Version:    v,
		KeyFile:    s.keyFile,
		AutoAccept: s.cfg.NoQuestions,
		Prompter:   s.prompter,
		Redirect:   s.redirect,
	}
}

// requestParams builds the create request, replacing an "auto" client
// address by the local address of the broker connection.
func (s *Session) requestParams(conn transport.Transport) (tsp.RequestParams, status.Status) {
	p := tsp.RequestParams{
		Mode:              s.mode,
		Proxy:             s.cfg.Proxy,
		ClientV4:          s.cfg.ClientV4,
		ClientV6:          s.cfg.ClientV6,
		Keepalive:         s.cfg.Keepalive,
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		Router:            s.cfg.HostType == "router",
		RoutingProtocol:   s.cfg.RoutingProtocol,
		RoutingInfo:       s.cfg.RoutingInfo,
		PrefixLen:         s.cfg.PrefixLen,
		DNSServer:         s.cfg.DNSServer,
	}
	bad := status.Make(status.CtxTspTunNegotiation, status.InvalidClientAddress)

	if s.mode != tsp.ModeV4V6 {
		if strings.EqualFold(p.ClientV4, "auto") {
			k := conn.Kind()
			ip := localIP(conn)
			if (k != transport.RUDP && k != transport.TCP) || ip == nil || ip.To4() == nil {
				log.WithField("transport", k).Error("cannot use the connection address as client_v4")
				return p, bad
			}
			p.ClientV4 = ip.String()
		}
		return p, status.Make(status.CtxTspTunNegotiation, status.Success)
	}

	if strings.EqualFold(p.ClientV6, "auto") {
		k := conn.Kind()
		ip := localIP(conn)
		if (k != transport.RUDP6 && k != transport.TCP6) || ip == nil || ip.To4() != nil {
			log.WithField("transport", k).Error("cannot use the connection address as client_v6")
			return p, bad
		}
		p.ClientV6 = ip.String()
	} else {
		p.ClientV6 = strings.Trim(p.ClientV6, "[]")
	}
	return p, status.Make(status.CtxTspTunNegotiation, status.Success)
}

func localIP(conn transport.Transport) net.IP {
	switch a := conn.LocalAddr().(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	return nil
}

// negotiate sends the create request and, for every version but the
// oldest, acknowledges the offer.
func (s *Session) negotiate(ctx context.Context, conn transport.Transport, v tsp.Version, p tsp.RequestParams) (*tsp.Tunnel, status.Status, *broker.List) {
	fail := func(n status.Number) status.Status { return status.Make(status.CtxTspTunNegotiation, n) }
	logger := log.WithField("server", s.cfg.Server)

	req := tsp.CreateRequest(p)
	logger.WithField("request", req).Trace("tunnel request")
	buf := make([]byte, config.ProtocolFrameSize)
	n, err := conn.SendReceive(tsp.Encode([]byte(req)), buf)
	if err != nil {
		logger.WithError(err).Warn("tunnel request failed")
		return nil, fail(status.SocketIO), nil
	}
	reply, err := tsp.Decode(buf[:n], conn)
	if err != nil {
		logger.WithError(err).Warn("bad tunnel reply")
		if errors.Is(err, tsp.ErrIncompleteRead) {
			return nil, fail(status.SocketIO), nil
		}
		return nil, fail(status.TspGenericError), nil
	}

	code := tsp.StatusCode(reply)
	if tsp.IsRedirect(code) {
		st, list := s.handleRedirect(ctx, status.CtxTspTunNegotiation, reply)
		return nil, st, list
	}
	if code != tsp.CodeSuccess {
		logger.WithFields(log.Fields{"code": code, "reply": tsp.CodeText(code)}).Error("tunnel request refused")
		return nil, fail(status.TspGenericError), nil
	}

	payload, err := tsp.FindPayload(reply)
	if err != nil {
		logger.WithError(err).Error("tunnel offer carries no payload")
		return nil, fail(status.TspGenericError), nil
	}
	t, err := tsp.ParseTunnel(payload)
	if err != nil {
		logger.WithError(err).Error("cannot parse tunnel offer")
		return nil, fail(status.TspGenericError), nil
	}

	if !v.SkipsAcknowledge() {
		if _, err := conn.Write(tsp.Encode([]byte(tsp.AcceptRequest()))); err != nil {
			logger.WithError(err).Warn("cannot acknowledge tunnel offer")
			return nil, fail(status.SocketIO), nil
		}
	}
	return t, fail(status.Success), nil
}
