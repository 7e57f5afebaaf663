package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

func TestPolicy(t *testing.T) {
	retry := Facts{AutoRetry: true}
	tests := []struct {
		name  string
		num   status.Number
		facts Facts
		want  Decision
	}{
		{"success", status.Success, retry, Decision{Action: Stop}},
		{"keepalive timeout", status.KeepaliveTimeout, retry, Decision{Action: RetryAfterBackoff, ResetRetries: true}},
		{"keepalive timeout no retry", status.KeepaliveTimeout, Facts{}, Decision{Action: Stop, ResetRetries: true}},
		{"auth failure", status.AuthenticationFailure, retry, Decision{Action: Abort}},
		{"no common auth", status.NoCommonAuthentication, retry, Decision{Action: Abort}},
		{"interface setup", status.InterfaceSetupFailed, retry, Decision{Action: Abort}},
		{"generic error", status.TspGenericError, retry, Decision{Action: Abort}},
		{"mode not available", status.TunModeNotAvailable, retry, Decision{Action: Abort}},
		{"bad tunnel param", status.BadTunnelParam, retry, Decision{Action: Abort}},
		{"memory", status.MemoryStarvation, retry, Decision{Action: Abort}},
		{"config file", status.InvalidCfgFile, retry, Decision{Action: Abort}},
		{"client address", status.InvalidClientAddress, retry, Decision{Action: Abort}},
		{"server address", status.InvalidServerAddress, retry, Decision{Action: Abort}},
		{"resolve", status.FailResolveAddress, retry, Decision{Action: Abort}},
		{"lease expired", status.TunLeaseExpired, retry, Decision{Action: RetryNow}},
		{"version", status.InvalidTspVersion, retry, Decision{Action: FallbackVersion}},
		{"socket io quick", status.SocketIO, Facts{QuickCycle: true}, Decision{Action: RetryNow, ResetRetries: true}},
		{"socket io", status.SocketIO, retry, Decision{Action: RetryAfterBackoff, ResetRetries: true}},
		{"too busy", status.TspServerTooBusy, retry, Decision{Action: RetryAfterBackoff, ForceWait: true}},
		{"connect boot", status.FailSocketConnect, Facts{BootMode: true, QuickCycle: true}, Decision{Action: Abort}},
		{"connect quick", status.FailSocketConnect, Facts{QuickCycle: true, PinnedLastServer: true}, Decision{Action: RetryNow, AdvanceCycle: true}},
		{"connect pinned", status.FailSocketConnect, Facts{PinnedLastServer: true}, Decision{Action: RetryAfterBackoff, AdvanceCycle: true}},
		{"connect", status.FailSocketConnect, retry, Decision{Action: FailoverBroker, ForceWait: true}},
		{"redirect", status.EventBrokerRedirection, retry, Decision{Action: SwitchBroker}},
		{"redirect error", status.ErrBrokerRedirection, retry, Decision{Action: RetryAfterBackoff, ResetRetries: true}},
		{"keepalive error", status.KeepaliveError, retry, Decision{Action: RetryAfterBackoff, ResetRetries: true}},
		{"tunnel io", status.TunnelIO, retry, Decision{Action: RetryAfterBackoff, ResetRetries: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Policy(tt.num, tt.facts))
		})
	}
}

func TestBackoff(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 5 * time.Second}
	var got []time.Duration
	for i := 0; i < 10; i++ {
		got = append(got, b.Next())
	}
	s := time.Second
	assert.Equal(t, []time.Duration{0, s, s, 2 * s, 2 * s, 2 * s, 4 * s, 4 * s, 4 * s, 5 * s}, got)

	b.Reset()
	assert.Zero(t, b.Next())

	b.Force()
	assert.Equal(t, s, b.Next())
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		mode     tsp.TunnelMode
		cycle    int
		version  tsp.Version
		fallback bool
		want     attempt
		ok       bool
	}{
		{"v6anyv4 first", tsp.ModeV6AnyV4, 0, 2, false, attempt{0, transport.RUDP, tsp.VersionCurrent}, true},
		{"v6v4 second", tsp.ModeV6V4, 1, 0, false, attempt{1, transport.TCP, tsp.VersionCurrent}, true},
		{"wraps", tsp.ModeV6V4, 2, 0, false, attempt{0, transport.RUDP, tsp.VersionCurrent}, true},
		{"v6udpv4 single", tsp.ModeV6UDPV4, 1, 0, false, attempt{0, transport.RUDP, tsp.VersionCurrent}, true},
		{"v4v6", tsp.ModeV4V6, 1, 0, false, attempt{1, transport.TCP6, tsp.VersionCurrent}, true},
		{"fallback", tsp.ModeV6AnyV4, 0, 1, true, attempt{0, transport.RUDP, 2}, true},
		{"fallback oldest", tsp.ModeV6AnyV4, 1, tsp.VersionOldest, true, attempt{1, transport.TCP, tsp.VersionOldest}, false},
		{"v4v6 limit", tsp.ModeV4V6, 0, tsp.Version200, true, attempt{0, transport.RUDP6, tsp.Version200}, false},
		{"v6udpv4 limit", tsp.ModeV6UDPV4, 0, tsp.Version200, true, attempt{0, transport.RUDP, tsp.Version200}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := plan(tt.mode, tt.cycle, tt.version, tt.fallback)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, quickCycle(tsp.ModeV6AnyV4, transport.RUDP))
	assert.False(t, quickCycle(tsp.ModeV6AnyV4, transport.TCP))
	assert.True(t, quickCycle(tsp.ModeV4V6, transport.RUDP6))
	assert.False(t, quickCycle(tsp.ModeV6UDPV4, transport.RUDP))
}

type call struct {
	server  string
	kind    transport.Kind
	version tsp.Version
}

type step struct {
	num    status.Number
	list   *broker.List
	cancel bool
}

// harness feeds scripted session outcomes to a Loop and records what the
// loop did.
type harness struct {
	t      *testing.T
	cfg    *config.Config
	steps  []step
	calls  []call
	sleeps []time.Duration
	ctx    context.Context
	cancel context.CancelFunc
}

func (h *harness) session(_ context.Context, conn transport.Transport, v tsp.Version) (status.Status, *broker.List) {
	h.calls = append(h.calls, call{server: h.cfg.Server, kind: conn.Kind(), version: v})
	if len(h.steps) == 0 {
		h.t.Errorf("unexpected attempt %d against %s", len(h.calls), h.cfg.Server)
		h.cancel()
		return status.Make(status.CtxTspAuthentication, status.AuthenticationFailure), nil
	}
	s := h.steps[0]
	h.steps = h.steps[1:]
	if s.cancel {
		h.cancel()
	}
	return status.Make(status.CtxTspCapabilities, s.num), s.list
}

func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	h.sleeps = append(h.sleeps, d)
	return ctx.Err()
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server = "broker.example.net"
	cfg.TunnelMode = "v6anyv4"
	cfg.RetryDelay = 30
	cfg.RetryDelayMax = 300
	cfg.BootMode = true
	cfg.HomeDir = t.TempDir()
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, steps ...step) (*harness, *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &harness{t: t, cfg: cfg, steps: steps, ctx: ctx, cancel: cancel}
	l, err := New(cfg,
		WithSessionFunc(h.session),
		WithSleeper(h.sleep),
		WithStore(&broker.FileStore{
			LastServerPath: filepath.Join(cfg.HomeDir, config.DefaultLastServerFile),
			BrokerListPath: filepath.Join(cfg.HomeDir, config.DefaultBrokerListFile),
		}),
	)
	require.NoError(t, err)
	return h, l
}

func brokers(t *testing.T, addrs ...string) *broker.List {
	t.Helper()
	l := &broker.List{}
	for _, a := range addrs {
		require.NoError(t, l.Add(a, broker.ClassifyAddress(a), 0))
	}
	return l
}

func TestBootModeRunsOnce(t *testing.T) {
	h, l := newHarness(t, testConfig(t), step{num: status.AuthenticationFailure})

	st := l.Run(h.ctx)
	assert.Equal(t, status.AuthenticationFailure, st.Number())
	assert.Len(t, h.calls, 1)
	assert.Empty(t, h.sleeps)
}

func TestBootModeConnectFailureAborts(t *testing.T) {
	h, l := newHarness(t, testConfig(t), step{num: status.FailSocketConnect})

	st := l.Run(h.ctx)
	assert.Equal(t, status.FailSocketConnect, st.Number())
	assert.Len(t, h.calls, 1)
}

func TestServerTooBusyWaits(t *testing.T) {
	h, l := newHarness(t, testConfig(t),
		step{num: status.TspServerTooBusy},
		step{num: status.Success},
	)

	st := l.Run(h.ctx)
	assert.True(t, st.Success())
	require.Len(t, h.calls, 2)
	assert.Equal(t, h.calls[0], h.calls[1])
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sleeps)
}

func TestKeepaliveTimeoutWithoutAutoRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoRetryConnect = false
	h, l := newHarness(t, cfg, step{num: status.KeepaliveTimeout})

	st := l.Run(h.ctx)
	assert.Equal(t, status.KeepaliveTimeout, st.Number())
	assert.Len(t, h.calls, 1)
}

func TestTunnelErrorsRetryImmediately(t *testing.T) {
	cfg := testConfig(t)
	cfg.TunnelMode = "v6udpv4"
	var steps []step
	for i := 0; i < 4; i++ {
		steps = append(steps, step{num: status.KeepaliveError})
	}
	steps = append(steps, step{num: status.TunnelIO}, step{num: status.AuthenticationFailure})
	h, l := newHarness(t, cfg, steps...)

	l.Run(h.ctx)
	assert.Len(t, h.calls, 6)
	// Each failure resets the counter, so every retry is immediate.
	assert.Empty(t, h.sleeps)
}

func TestTransportCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.BootMode = false
	h, l := newHarness(t, cfg,
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.AuthenticationFailure, cancel: true},
	)

	l.Run(h.ctx)
	require.Len(t, h.calls, 3)
	assert.Equal(t, transport.RUDP, h.calls[0].kind)
	assert.Equal(t, transport.TCP, h.calls[1].kind)
	assert.Equal(t, transport.RUDP, h.calls[2].kind)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sleeps)
}

func TestVersionFallback(t *testing.T) {
	h, l := newHarness(t, testConfig(t),
		step{num: status.InvalidTspVersion},
		step{num: status.InvalidTspVersion},
		step{num: status.InvalidTspVersion},
		step{num: status.InvalidTspVersion},
	)

	st := l.Run(h.ctx)
	assert.Equal(t, status.InvalidTspVersion, st.Number())
	assert.Equal(t, []call{
		{"broker.example.net", transport.RUDP, 0},
		{"broker.example.net", transport.RUDP, 1},
		{"broker.example.net", transport.RUDP, tsp.Version200},
		{"broker.example.net", transport.TCP, tsp.VersionOldest},
	}, h.calls)
	assert.Equal(t, []time.Duration{config.VersionFallbackDelay}, h.sleeps)
}

func TestRedirectSwitchesBroker(t *testing.T) {
	h, l := newHarness(t, testConfig(t),
		step{num: status.EventBrokerRedirection, list: brokers(t, "a.example.net", "2001:db8::1", "c.example.net")},
		step{num: status.Success},
	)

	st := l.Run(h.ctx)
	assert.True(t, st.Success())
	require.Len(t, h.calls, 2)
	assert.Equal(t, "a.example.net", h.calls[1].server)
	assert.Equal(t, transport.RUDP, h.calls[1].kind)
	assert.Empty(t, h.sleeps)
}

func TestRedirectWithoutList(t *testing.T) {
	h, l := newHarness(t, testConfig(t), step{num: status.EventBrokerRedirection})

	st := l.Run(h.ctx)
	assert.Equal(t, status.ErrBrokerRedirection, st.Number())
	assert.Equal(t, status.CtxTspCapabilities, st.Context())
}

func TestBrokerListFailover(t *testing.T) {
	cfg := testConfig(t)
	cfg.BootMode = false
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HomeDir, config.DefaultBrokerListFile),
		[]byte("a.example.net\n2001:db8::2\n"), 0o644))
	h, l := newHarness(t, cfg,
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.AuthenticationFailure, cancel: true},
	)

	l.Run(h.ctx)
	var servers []string
	for _, c := range h.calls {
		servers = append(servers, c.server)
	}
	assert.Equal(t, []string{
		"broker.example.net", "broker.example.net",
		"a.example.net", "a.example.net",
		"[2001:db8::2]", "[2001:db8::2]",
		"broker.example.net",
	}, servers)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.sleeps)
}

func TestLastServerPinned(t *testing.T) {
	cfg := testConfig(t)
	cfg.BootMode = false
	cfg.AlwaysUseSameServer = true
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HomeDir, config.DefaultLastServerFile),
		[]byte("last.example.net\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HomeDir, config.DefaultBrokerListFile),
		[]byte("a.example.net\n"), 0o644))
	h, l := newHarness(t, cfg,
		step{num: status.FailSocketConnect},
		step{num: status.FailSocketConnect},
		step{num: status.AuthenticationFailure, cancel: true},
	)

	l.Run(h.ctx)
	require.Len(t, h.calls, 3)
	for _, c := range h.calls {
		assert.Equal(t, "last.example.net", c.server)
	}
	assert.Equal(t, transport.RUDP, h.calls[2].kind)
}

type failingStore struct{ broker.FileStore }

func (failingStore) LastServer(context.Context) (string, error) {
	return "", errors.New("store unavailable")
}

func TestLastServerReadFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.AlwaysUseSameServer = true
	h := &harness{t: t, cfg: cfg, ctx: context.Background()}
	l, err := New(cfg, WithSessionFunc(h.session), WithSleeper(h.sleep), WithStore(&failingStore{}))
	require.NoError(t, err)

	st := l.Run(h.ctx)
	assert.Equal(t, status.Make(status.CtxCfgValidation, status.FailLastServer), st)
	assert.Empty(t, h.calls)
}

func TestLastServerMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.AlwaysUseSameServer = true
	h, l := newHarness(t, cfg, step{num: status.Success})

	assert.True(t, l.Run(h.ctx).Success())
	require.Len(t, h.calls, 1)
	assert.Equal(t, "broker.example.net", h.calls[0].server)
}

func TestOuterLoopDelayDoubles(t *testing.T) {
	cfg := testConfig(t)
	cfg.BootMode = false
	cfg.RetryDelay = 100
	cfg.RetryDelayMax = 300
	h, l := newHarness(t, cfg,
		step{num: status.AuthenticationFailure},
		step{num: status.AuthenticationFailure},
		step{num: status.AuthenticationFailure},
		step{num: status.AuthenticationFailure, cancel: true},
	)

	l.Run(h.ctx)
	assert.Len(t, h.calls, 4)
	assert.Equal(t, []time.Duration{100 * time.Second, 200 * time.Second, 300 * time.Second}, h.sleeps)
}

func TestStatusCallback(t *testing.T) {
	cfg := testConfig(t)
	var reports []Report
	h := &harness{t: t, cfg: cfg, ctx: context.Background(), cancel: func() {},
		steps: []step{{num: status.TunLeaseExpired}, {num: status.Success}}}
	l, err := New(cfg,
		WithSessionFunc(h.session),
		WithSleeper(h.sleep),
		WithStore(&broker.FileStore{}),
		WithStatusCallback(func(r Report) { reports = append(reports, r) }),
	)
	require.NoError(t, err)

	l.Run(h.ctx)
	require.Len(t, reports, 2)
	assert.Equal(t, RetryNow, reports[0].Decision.Action)
	assert.Equal(t, Stop, reports[1].Decision.Action)
	assert.NotEqual(t, reports[0].Attempt, reports[1].Attempt)
	assert.Equal(t, "broker.example.net", reports[1].Server)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.TunnelMode = "v6overcarrierpigeon"
	_, err := New(cfg)
	assert.Error(t, err)
}
