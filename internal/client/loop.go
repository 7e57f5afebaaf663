// Package client drives repeated TSP sessions: it picks the transport and
// protocol version of each attempt, follows broker redirections and broker
// list failover, and decides when and how long to wait before retrying.
package client

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/session"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// SessionFunc runs one session over an unconnected transport.
type SessionFunc func(ctx context.Context, conn transport.Transport, v tsp.Version) (status.Status, *broker.List)

// TransportFactory returns an unconnected transport of kind.
type TransportFactory func(kind transport.Kind) transport.Transport

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Report describes the end of one connection attempt.
type Report struct {
	Attempt   string
	Server    string
	Transport transport.Kind
	Version   tsp.Version
	Status    status.Status
	Decision  Decision
}

// StatusCallback is invoked after every connection attempt.
type StatusCallback func(Report)

// Option configures a Loop.
type Option func(*Loop)

// WithStatusCallback sets a callback for attempt notifications.
func WithStatusCallback(cb StatusCallback) Option {
	return func(l *Loop) { l.onStatus = cb }
}

func WithSleeper(s Sleeper) Option {
	return func(l *Loop) { l.sleep = s }
}

// WithSessionFunc replaces the TSP session run for each attempt.
func WithSessionFunc(f SessionFunc) Option {
	return func(l *Loop) { l.session = f }
}

// WithSessionOptions is passed to the default session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(l *Loop) { l.sessionOpts = append(l.sessionOpts, opts...) }
}

func WithStore(st broker.Store) Option {
	return func(l *Loop) { l.store = st }
}

func WithTransportFactory(f TransportFactory) Option {
	return func(l *Loop) { l.newTransport = f }
}

// Loop is the reconnection control loop. It owns cfg.Server and rewrites it
// between attempts.
type Loop struct {
	cfg  *config.Config
	mode tsp.TunnelMode

	session      SessionFunc
	sessionOpts  []session.Option
	newTransport TransportFactory
	sleep        Sleeper
	store        broker.Store
	redirector   *broker.Redirector
	onStatus     StatusCallback

	original string
	pinned   bool
}

// pass is the state of one run of the connection loop.
type pass struct {
	cycle    int
	version  tsp.Version
	fallback bool

	tryingOriginal bool
	list           *broker.List
	cursor         int
}

func New(cfg *config.Config, opts ...Option) (*Loop, error) {
	mode, err := tsp.ParseTunnelMode(cfg.TunnelMode)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:          cfg,
		mode:         mode,
		newTransport: transport.New,
		sleep:        transport.SleepWithContext,
		onStatus:     func(Report) {},
		original:     cfg.Server,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = broker.NewStore(cfg)
	}
	if l.session == nil {
		l.redirector = &broker.Redirector{Mode: mode, Prober: &broker.EchoProber{}, Store: l.store}
		sopts := append([]session.Option{
			session.WithStore(l.store),
			session.WithRedirect(l.redirector),
		}, l.sessionOpts...)
		s, err := session.New(cfg, sopts...)
		if err != nil {
			return nil, err
		}
		l.session = s.Run
	}
	return l, nil
}

// Run connects and keeps the tunnel up until ctx is done. In boot mode the
// connection loop runs once and its status is returned whatever it is.
// Otherwise a finished connection loop is restarted after a delay that
// doubles up to the maximum retry delay.
func (l *Loop) Run(ctx context.Context) status.Status {
	if st := l.loadLastServer(ctx); !st.Success() {
		logFinal(st)
		return st
	}

	delay := time.Duration(l.cfg.RetryDelay) * time.Second
	maxDelay := time.Duration(l.cfg.RetryDelayMax) * time.Second
	for {
		st := l.connect(ctx)
		if !st.Success() {
			logFinal(st)
		}
		if l.cfg.BootMode || ctx.Err() != nil {
			return st
		}

		log.WithField("delay", delay).Info("connection loop ended, restarting")
		if err := l.sleep(ctx, delay); err != nil {
			return st
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func logFinal(st status.Status) {
	log.WithFields(log.Fields{
		"stage":  st.Context().String(),
		"status": st.Number().String(),
		"code":   int(st.Number()),
	}).Error("giving up on broker")
}

// loadLastServer pins the loop to the last server that gave us a tunnel
// when always_use_same_server is set.
func (l *Loop) loadLastServer(ctx context.Context) status.Status {
	if !l.cfg.AlwaysUseSameServer {
		return status.OK
	}
	last, err := l.store.LastServer(ctx)
	switch {
	case err == nil:
		l.cfg.Server = last
		l.pinned = true
		log.WithField("server", last).Info("trying last server")
	case errors.Is(err, broker.ErrNoLastServer), errors.Is(err, fs.ErrPermission):
		log.WithError(err).WithField("server", l.original).Info("no last server, trying configured server")
	default:
		log.WithError(err).Error("cannot read last server")
		return status.Make(status.CtxCfgValidation, status.FailLastServer)
	}
	return status.OK
}

// connect is one run of the connection loop. It returns when a session
// status calls for it, when the protocol version cannot fall back any
// further or when ctx is done.
func (l *Loop) connect(ctx context.Context) status.Status {
	p := &pass{}
	if !l.pinned {
		l.cfg.Server = l.original
		p.tryingOriginal = true
	}
	backoff := NewBackoff(l.cfg)

	st := status.OK
	for ctx.Err() == nil {
		a, ok := plan(l.mode, p.cycle, p.version, p.fallback)
		if !ok {
			log.WithField("version", p.version).Error("no older protocol version to fall back to")
			return st
		}
		p.cycle, p.version, p.fallback = a.cycle, a.version, false

		id := uuid.NewString()
		logger := log.WithFields(log.Fields{
			"attempt":   id,
			"server":    l.cfg.Server,
			"transport": a.kind,
			"version":   a.version,
		})
		logger.Info("connecting to broker")

		if l.redirector != nil {
			l.redirector.Server = l.cfg.Server
		}
		var list *broker.List
		st, list = l.session(ctx, l.newTransport(a.kind), a.version)

		d := Policy(st.Number(), Facts{
			AutoRetry:        l.cfg.AutoRetryConnect,
			BootMode:         l.cfg.BootMode,
			QuickCycle:       quickCycle(l.mode, a.kind),
			PinnedLastServer: l.pinned,
		})
		logger.WithFields(log.Fields{"status": st, "action": d.Action}).Info("attempt ended")
		l.onStatus(Report{
			Attempt:   id,
			Server:    l.cfg.Server,
			Transport: a.kind,
			Version:   a.version,
			Status:    st,
			Decision:  d,
		})

		if d.ResetRetries {
			backoff.Reset()
		}
		if d.ForceWait {
			backoff.Force()
		}
		if d.AdvanceCycle {
			p.cycle++
		}

		switch d.Action {
		case Stop, Abort:
			return st
		case RetryNow:
			continue
		case FallbackVersion:
			p.fallback = true
			if a.version == tsp.Version200 {
				p.cycle = 1
			}
			if !a.kind.IsRUDP() {
				if err := l.sleep(ctx, config.VersionFallbackDelay); err != nil {
					return st
				}
			}
			continue
		case SwitchBroker:
			if list == nil || list.Len() == 0 {
				log.Error("redirection without a broker list")
				return status.Make(st.Context(), status.ErrBrokerRedirection)
			}
			l.useList(p, list)
			continue
		case FailoverBroker:
			if l.failover(ctx, p) {
				continue
			}
		}

		wait := backoff.Next()
		if wait == 0 {
			log.Info("retrying now")
			continue
		}
		log.WithField("delay", wait).Info("retrying after delay")
		if err := l.sleep(ctx, wait); err != nil {
			return st
		}
	}
	return st
}

// useList starts trying the brokers of list in order.
func (l *Loop) useList(p *pass, list *broker.List) {
	p.list = list
	p.cursor = 0
	p.tryingOriginal = false
	p.cycle = 0
	l.cfg.Server = broker.FormatAddr(list.At(0).Address)
	log.WithField("brokers", list.String()).Info("trying broker list")
}

// failover handles a connect failure once every transport of the current
// server has been tried. It reports whether to retry right away.
func (l *Loop) failover(ctx context.Context, p *pass) bool {
	switch {
	case p.tryingOriginal:
		list, err := l.store.BrokerList(ctx)
		switch {
		case errors.Is(err, broker.ErrNoBrokerList):
			log.WithError(err).Info("no broker list to fail over to")
		case errors.Is(err, broker.ErrTooManyBrokers):
			log.WithError(err).Error("broker list too long")
		case err != nil:
			log.WithError(err).Error("cannot read broker list")
		case list.Len() == 0:
			log.Info("broker list is empty")
		default:
			l.useList(p, list)
			return true
		}
		p.cycle++
		return false

	case p.list != nil:
		if p.cursor+1 >= p.list.Len() {
			log.WithField("server", l.original).Info("end of broker list, back to configured server")
			l.cfg.Server = l.original
			p.list = nil
			p.cycle = 0
			p.tryingOriginal = true
			return false
		}
		p.cursor++
		p.cycle = 0
		l.cfg.Server = broker.FormatAddr(p.list.At(p.cursor).Address)
		log.WithField("server", l.cfg.Server).Info("trying next broker in list")
		return true
	}
	return false
}
