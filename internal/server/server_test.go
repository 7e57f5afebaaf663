package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/client"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/session"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
	"gogoc-tsp/internal/tun"
)

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) has(stage string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.all {
		if ev.Stage == stage {
			return true
		}
	}
	return false
}

func startBroker(t *testing.T, cfg Config) (*Server, *events) {
	t.Helper()
	ev := &events{}
	cfg.OnEvent = ev.add
	s := New(cfg)
	require.NoError(t, s.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, ev
}

type recorder struct {
	mu        sync.Mutex
	setups    []*tsp.Tunnel
	teardowns int
}

func (r *recorder) Setup(_ context.Context, t *tsp.Tunnel, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups = append(r.setups, t)
	return nil
}

func (r *recorder) Teardown(context.Context, *tsp.Tunnel, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns++
	return nil
}

func clientConfig(t *testing.T, server string) *config.Config {
	cfg := config.Default()
	cfg.Server = server
	cfg.TunnelMode = "v6v4"
	cfg.AuthMethod = "anonymous"
	cfg.Keepalive = false
	cfg.HomeDir = t.TempDir()
	cfg.BootMode = true
	return cfg
}

// runSession runs one session and stops it as soon as the tunnel is up.
func runSession(t *testing.T, cfg *config.Config, kind transport.Kind, v tsp.Version, opts ...session.Option) (status.Status, *broker.List, *session.Session, *recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec := &recorder{}
	opts = append([]session.Option{
		session.WithConfigurator(rec),
		session.WithStatusCallback(func(e session.Event) {
			if e.State == session.StateEstablished {
				cancel()
			}
		}),
	}, opts...)
	s, err := session.New(cfg, opts...)
	require.NoError(t, err)

	st, list := s.Run(ctx, transport.New(kind), v)
	return st, list, s, rec
}

func TestAnonymousOverRUDP(t *testing.T) {
	srv, ev := startBroker(t, Config{Capability: "CAPABILITY TUNNEL=V6V4 AUTH=ANONYMOUS"})
	cfg := clientConfig(t, srv.Addr())

	st, _, s, rec := runSession(t, cfg, transport.RUDP, tsp.VersionCurrent)
	assert.True(t, st.Success(), st.String())

	tunnel := s.Tunnel()
	require.NotNil(t, tunnel)
	assert.Equal(t, "v6v4", tunnel.Type)
	assert.Equal(t, "127.0.0.1", tunnel.ClientAddressIPv4)
	assert.Equal(t, "2001:db8:0:1::2", tunnel.ClientAddressIPv6)
	assert.Equal(t, "198.51.100.1", tunnel.ServerAddressIPv4)
	assert.Equal(t, "2001:db8:0:1::1", tunnel.ServerAddressIPv6)
	assert.Len(t, rec.setups, 1)
	assert.Equal(t, 1, rec.teardowns)
	assert.True(t, ev.has("accept"))
}

func TestPlainOverTCP(t *testing.T) {
	srv, ev := startBroker(t, Config{Users: map[string]string{"alice": "wonderland"}})
	cfg := clientConfig(t, srv.Addr())
	cfg.AuthMethod = "plain"
	cfg.UserID = "alice"
	cfg.Password = "wonderland"

	st, _, _, _ := runSession(t, cfg, transport.TCP, tsp.VersionCurrent)
	assert.True(t, st.Success(), st.String())
	assert.Eventually(t, func() bool { return ev.has("accept") }, 5*time.Second, 10*time.Millisecond)

	cfg.Password = "looking-glass"
	st, _, _, _ = runSession(t, cfg, transport.TCP, tsp.VersionCurrent)
	assert.Equal(t, status.AuthenticationFailure, st.Number())
}

func TestDigestMD5(t *testing.T) {
	for _, kind := range []transport.Kind{transport.TCP, transport.RUDP} {
		t.Run(kind.String(), func(t *testing.T) {
			srv, _ := startBroker(t, Config{Users: map[string]string{"bob": "secret"}, Nonce: "xyz"})
			cfg := clientConfig(t, srv.Addr())
			cfg.AuthMethod = "digest-md5"
			cfg.UserID = "bob"
			cfg.Password = "secret"

			st, _, _, _ := runSession(t, cfg, kind, tsp.VersionCurrent)
			assert.True(t, st.Success(), st.String())

			cfg.Password = "wrong"
			st, _, _, _ = runSession(t, cfg, kind, tsp.VersionCurrent)
			assert.Equal(t, status.AuthenticationFailure, st.Number())
		})
	}
}

func TestOldestVersionSkipsAcknowledge(t *testing.T) {
	srv, ev := startBroker(t, Config{})
	cfg := clientConfig(t, srv.Addr())

	st, _, _, _ := runSession(t, cfg, transport.RUDP, tsp.VersionOldest)
	assert.True(t, st.Success(), st.String())
	assert.True(t, ev.has("accept"))
}

func TestModeNotOffered(t *testing.T) {
	srv, _ := startBroker(t, Config{Capability: "CAPABILITY TUNNEL=V6V4 AUTH=ANONYMOUS"})
	cfg := clientConfig(t, srv.Addr())
	cfg.TunnelMode = "v4v6"

	st, _, _, _ := runSession(t, cfg, transport.TCP, tsp.VersionCurrent)
	assert.Equal(t, status.Make(status.CtxTspAuthentication, status.TunModeNotAvailable), st)
}

func TestServerTooBusyBacksOff(t *testing.T) {
	srv, _ := startBroker(t, Config{Busy: true})
	cfg := clientConfig(t, srv.Addr())
	cfg.RetryDelay = 7

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	var reports []client.Report
	l, err := client.New(cfg,
		client.WithSessionOptions(session.WithConfigurator(&recorder{})),
		client.WithSleeper(func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			if len(sleeps) == 2 {
				cancel()
			}
			return ctx.Err()
		}),
		client.WithStatusCallback(func(r client.Report) { reports = append(reports, r) }),
	)
	require.NoError(t, err)

	st := l.Run(ctx)
	assert.Equal(t, status.Make(status.CtxTspCapabilities, status.TspServerTooBusy), st)
	require.Len(t, reports, 2)
	assert.Equal(t, reports[0].Server, reports[1].Server)
	assert.Equal(t, reports[0].Transport, reports[1].Transport)
	assert.Equal(t, client.RetryAfterBackoff, reports[0].Decision.Action)
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, sleeps)
}

func TestRedirectToBrokerList(t *testing.T) {
	brokers := []string{"broker1.example.net", "broker2.example.net", "broker3.example.net"}
	srv, _ := startBroker(t, Config{Redirect: brokers})
	cfg := clientConfig(t, srv.Addr())

	st, list, _, _ := runSession(t, cfg, transport.RUDP, tsp.VersionCurrent,
		session.WithRedirect(&broker.Redirector{Server: cfg.Server, Mode: tsp.ModeV6V4}))
	assert.Equal(t, status.Make(status.CtxTspCapabilities, status.EventBrokerRedirection), st)
	require.NotNil(t, list)
	require.Equal(t, 3, list.Len())
	assert.Equal(t, "broker1.example.net", list.At(0).Address)

	// The reconnect loop goes on with the first broker of the list.
	s, err := session.New(cfg,
		session.WithConfigurator(&recorder{}),
		session.WithRedirect(&broker.Redirector{Server: cfg.Server, Mode: tsp.ModeV6V4}))
	require.NoError(t, err)
	var servers []string
	l, err := client.New(cfg, client.WithSessionFunc(func(ctx context.Context, conn transport.Transport, v tsp.Version) (status.Status, *broker.List) {
		servers = append(servers, cfg.Server)
		if cfg.Server != srv.Addr() {
			return status.Make(status.CtxNetworkConnect, status.FailSocketConnect), nil
		}
		return s.Run(ctx, conn, v)
	}))
	require.NoError(t, err)

	st = l.Run(context.Background())
	assert.Equal(t, status.FailSocketConnect, st.Number())
	assert.Equal(t, []string{srv.Addr(), "broker1.example.net"}, servers)
}

func TestVersionFallbackAgainstBroker(t *testing.T) {
	srv, ev := startBroker(t, Config{Unsupported: []string{"2.0.2", "2.0.1"}})
	cfg := clientConfig(t, srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var versions []tsp.Version
	l, err := client.New(cfg,
		client.WithSessionOptions(
			session.WithConfigurator(&recorder{}),
			session.WithStatusCallback(func(e session.Event) {
				if e.State == session.StateEstablished {
					cancel()
				}
			}),
		),
		client.WithStatusCallback(func(r client.Report) { versions = append(versions, r.Version) }),
		client.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)

	st := l.Run(ctx)
	assert.True(t, st.Success(), st.String())
	assert.Equal(t, []tsp.Version{0, 1, tsp.Version200}, versions)
	assert.True(t, ev.has("accept"))

	last, err := (&broker.FileStore{LastServerPath: cfg.Path(cfg.LastServerFile)}).LastServer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.Addr(), last)
}

// pipeDevice is a tunnel device backed by one end of a net.Pipe.
type pipeDevice struct{ net.Conn }

func (pipeDevice) Name() string { return "tun9" }
func (pipeDevice) MTU() int     { return 1280 }

func TestV6UDPV4DataPath(t *testing.T) {
	packets := make(chan []byte, 4)
	srv, _ := startBroker(t, Config{OnPacket: func(_ net.Addr, pkt []byte) { packets <- pkt }})
	cfg := clientConfig(t, srv.Addr())
	cfg.TunnelMode = "v6udpv4"

	devLocal, devRemote := net.Pipe()
	defer devRemote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	established := make(chan struct{})
	s, err := session.New(cfg,
		session.WithConfigurator(&recorder{}),
		session.WithDeviceOpener(func(tun.Config) (tun.Device, error) { return pipeDevice{devLocal}, nil }),
		session.WithStatusCallback(func(e session.Event) {
			if e.State == session.StateEstablished {
				close(established)
			}
		}),
	)
	require.NoError(t, err)

	done := make(chan status.Status, 1)
	go func() {
		st, _ := s.Run(ctx, transport.New(transport.RUDP), tsp.VersionCurrent)
		done <- st
	}()

	select {
	case <-established:
	case st := <-done:
		t.Fatalf("session ended early: %s", st)
	}

	pkt := make([]byte, 40)
	pkt[0] = 0x60
	_, err = devRemote.Write(pkt)
	require.NoError(t, err)

	select {
	case got := <-packets:
		assert.Equal(t, pkt, got)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not receive the tunnelled packet")
	}

	cancel()
	assert.True(t, (<-done).Success())
}

func TestEchoProbe(t *testing.T) {
	srv, _ := startBroker(t, Config{})

	prober := &broker.EchoProber{Port: portOf(t, srv.Addr()), Attempts: 1, Timeout: 5 * time.Second}
	d := prober.Distance(context.Background(), broker.Entry{Address: "127.0.0.1", Type: broker.TypeIPv4}, false)
	assert.Less(t, d, uint32(config.DistanceTimeout))
}

func portOf(t *testing.T, addr string) uint16 {
	t.Helper()
	_, port, err := transport.ParseAddrPort(addr, 0)
	require.NoError(t, err)
	return port
}

func TestReadMessage(t *testing.T) {
	frame := string(tsp.Encode([]byte("<tunnel action=\"accept\"></tunnel>\r\n")))
	r := bufio.NewReader(strings.NewReader("VERSION=2.0.2\r\n" + frame + "\x00u\x00p\r\n"))

	msg, err := readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "VERSION=2.0.2\r\n", string(msg))

	msg, err = readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, frame, string(msg))

	msg, err = readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "\x00u\x00p\r\n", string(msg))

	_, err = readMessage(bufio.NewReader(strings.NewReader("Content-length: -3\r\n")))
	assert.ErrorIs(t, err, tsp.ErrInvalidPayloadSize)
}

func TestExchangeDigestChallenge(t *testing.T) {
	x := newExchange(&Config{Nonce: "n1", Realm: "r1"}, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.True(t, strings.HasPrefix(string(x.handle([]byte("VERSION=2.0.2\r\n"))), "CAPABILITY "))

	out := x.handle([]byte("AUTHENTICATE DIGEST-MD5\r\n"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(out)))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `realm="r1"`)
	assert.Contains(t, string(raw), `nonce="n1"`)

	assert.True(t, strings.HasPrefix(string(x.handle([]byte("bm90IGEgZGlnZXN0\r\n"))), "300 "))
	assert.Equal(t, stateClosed, x.state)
}

func TestCleanupPeers(t *testing.T) {
	s := New(Config{})
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	s.newPeer(addr.String(), addr)
	now := time.Now()

	s.cleanupPeers(now)
	assert.Len(t, s.peers, 1)
	s.cleanupPeers(now.Add(config.BrokerPeerTimeout + time.Second))
	assert.Empty(t, s.peers)
}
