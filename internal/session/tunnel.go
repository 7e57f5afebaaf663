package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/keepalive"
	"gogoc-tsp/internal/packet"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
	"gogoc-tsp/internal/tun"
)

// establish configures the interface, records the server, runs the tunnel
// loop and tears the interface down again. The teardown result never
// replaces the status that ended the tunnel.
func (s *Session) establish(ctx context.Context, conn transport.Transport, t *tsp.Tunnel) status.Status {
	fail := func(n status.Number) status.Status { return status.Make(status.CtxTunInterfaceSetup, n) }
	logger := log.WithFields(log.Fields{"server": s.cfg.Server, "type": t.Type})

	if err := t.Validate(); err != nil {
		logger.WithError(err).Error("broker sent invalid tunnel parameters")
		return fail(status.BadTunnelParam)
	}

	var dev tun.Device
	device := ""
	defer func() {
		s.teardown(ctx, t, device)
		if dev != nil {
			dev.Close()
		}
	}()

	if t.Type == tsp.ModeV6UDPV4.String() {
		d, err := s.openDevice(tun.DefaultConfig(s.cfg.IfTunnelV6UDPV4))
		if err != nil {
			logger.WithError(err).Error("cannot create tunnel device")
			return fail(status.InterfaceSetupFailed)
		}
		dev = d
		device = d.Name()
	}

	if err := s.configurator.Setup(ctx, t, device); err != nil {
		logger.WithError(err).Error("interface setup failed")
		if errors.Is(err, tun.ErrTemplateNotFound) {
			return fail(status.InvalidCfgFile)
		}
		return fail(status.InterfaceSetupFailed)
	}
	logger.WithFields(log.Fields{
		"client_ipv4": t.ClientAddressIPv4,
		"client_ipv6": t.ClientAddressIPv6,
		"prefix":      t.Prefix,
		"prefix_len":  t.PrefixLength,
	}).Info("tunnel established")

	if s.store != nil {
		if err := s.store.SaveLastServer(ctx, s.cfg.Server); err != nil {
			logger.WithError(err).Warn("cannot record last server")
		}
	}

	s.notify(StateEstablished, status.Make(status.CtxTunInterfaceSetup, status.Success))
	return s.tunnelLoop(ctx, conn, t, dev)
}

func (s *Session) teardown(ctx context.Context, t *tsp.Tunnel, device string) {
	// A stop request must not prevent the teardown script from running.
	ctx = context.WithoutCancel(ctx)
	if err := s.configurator.Teardown(ctx, t, device); err != nil {
		log.WithError(err).WithField("status", status.Make(status.CtxTeardown, status.InterfaceSetupFailed)).
			Error("tunnel teardown failed")
		return
	}
	log.WithField("type", t.Type).Info("tunnel torn down")
}

// tunnelLoop waits for a stop request, a keepalive verdict, lease expiry or
// a relay failure.
func (s *Session) tunnelLoop(ctx context.Context, conn transport.Transport, t *tsp.Tunnel, dev tun.Device) status.Status {
	fail := func(n status.Number) status.Status { return status.Make(status.CtxTunnelLoop, n) }
	logger := log.WithField("server", s.cfg.Server)

	ka, st := s.startKeepalive(t)
	if !st.Success() {
		return st
	}
	if ka != nil {
		defer func() {
			if err := ka.Destroy(); err != nil {
				logger.WithError(err).Debug("keepalive destroy")
			}
		}()
	}

	var relay <-chan error
	if dev != nil {
		raw, ok := conn.(transport.Raw)
		if !ok || raw.RawConn() == nil {
			logger.WithField("transport", conn.Kind()).Error("transport cannot carry tunnel packets")
			return fail(status.TunnelIO)
		}
		rctx, cancel := context.WithCancel(ctx)
		ch := make(chan error, 1)
		go func() { ch <- tun.Relay(rctx, dev, raw.RawConn()) }()
		relay = ch
		defer cancel()
	}

	wait := config.IdleLoopWait
	if ka != nil {
		wait = config.LoopWait
	}
	lease := t.NewLease(s.now())
	if !lease.Expires().IsZero() {
		logger.WithField("expires", lease.Expires()).Debug("tunnel lease")
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		d := wait
		if exp := lease.Expires(); !exp.IsZero() {
			if left := exp.Sub(s.now()); left < d {
				d = max(left, config.LoopWait)
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			logger.Info("stop requested")
			return fail(status.Success)
		case err := <-relay:
			if err == nil && ctx.Err() != nil {
				return fail(status.Success)
			}
			logger.WithError(err).Error("tunnel I/O error")
			return fail(status.TunnelIO)
		case <-timer.C:
		}

		if ka != nil {
			switch state := ka.Status(); state {
			case keepalive.FinishedTimeout:
				logger.Warn("keepalive timeout")
				return fail(status.KeepaliveTimeout)
			case keepalive.FinishedError, keepalive.Idle:
				logger.WithField("state", state).Error("keepalive failed")
				return fail(status.KeepaliveError)
			}
		}
		if lease.Expired(s.now()) {
			logger.Info("tunnel lease expired")
			return fail(status.TunLeaseExpired)
		}
	}
}

// startKeepalive returns a running engine, or nil when the broker granted
// no keepalive interval.
func (s *Session) startKeepalive(t *tsp.Tunnel) (Keepalive, status.Status) {
	fail := status.Make(status.CtxTunnelLoop, status.KeepaliveError)
	ok := status.Make(status.CtxTunnelLoop, status.Success)

	interval, _ := strconv.Atoi(t.KeepaliveInterval)
	if !s.cfg.Keepalive || interval <= 0 {
		return nil, ok
	}

	family := packet.IPv6Version
	src, dst := t.ClientAddressIPv6, t.KeepaliveAddress
	if t.Type == tsp.ModeV4V6.String() {
		family = packet.IPv4Version
		src = t.ClientAddressIPv4
	}
	if dst == "" {
		dst = t.ServerAddressIPv6
		if family == packet.IPv4Version {
			dst = t.ServerAddressIPv4
		}
	}

	logger := log.WithFields(log.Fields{"src": src, "dst": dst, "interval": interval})
	ka, err := s.keepalive(time.Duration(interval)*time.Second, net.ParseIP(src), net.ParseIP(dst), family)
	if err != nil {
		logger.WithError(err).Error("cannot initialize keepalive")
		return nil, fail
	}
	if err := ka.Start(); err != nil {
		logger.WithError(err).Error("cannot start keepalive")
		_ = ka.Destroy()
		return nil, fail
	}
	logger.Debug("keepalive started")
	return ka, ok
}
