package broker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// EchoRequest is the probe command a broker answers with a 200 status.
const EchoRequest = "ECHO REQUEST"

// Prober measures the distance to one broker.
type Prober interface {
	Distance(ctx context.Context, e Entry, wantIPv6 bool) uint32
}

// EchoProber times a framed echo request over UDP. The zero value uses
// the standard port, attempt count and timeout.
type EchoProber struct {
	Port     uint16
	Attempts int
	Timeout  time.Duration

	seq atomic.Uint32
}

func (p *EchoProber) port() uint16 {
	if p.Port == 0 {
		return config.EchoPort
	}
	return p.Port
}

func (p *EchoProber) attempts() int {
	if p.Attempts <= 0 {
		return config.EchoAttempts
	}
	return p.Attempts
}

func (p *EchoProber) timeout() time.Duration {
	if p.Timeout <= 0 {
		return config.EchoTimeout
	}
	return p.Timeout
}

// endpoint picks the address to probe. wrongFamily is set when the broker
// cannot serve the tunnel mode's transport family.
func endpoint(ctx context.Context, e Entry, wantIPv6 bool) (ip net.IP, wrongFamily bool, err error) {
	switch e.Type {
	case TypeIPv4, TypeIPv6:
		ip = net.ParseIP(e.Address)
		if ip == nil {
			return nil, false, transport.ErrBadAddress
		}
		return ip, (ip.To4() == nil) != wantIPv6, nil
	case TypeDN:
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, e.Address)
		if err != nil {
			return nil, false, err
		}
		for _, a := range addrs {
			if (a.IP.To4() == nil) == wantIPv6 {
				return a.IP, false, nil
			}
		}
		if len(addrs) == 0 {
			return nil, false, transport.ErrResolve
		}
		return addrs[0].IP, true, nil
	}
	return nil, false, transport.ErrBadAddress
}

// Distance returns the round trip in milliseconds, or a penalty that sorts
// the broker behind every broker that answered.
func (p *EchoProber) Distance(ctx context.Context, e Entry, wantIPv6 bool) uint32 {
	logger := log.WithField("broker", e.Address)

	ip, wrongFamily, err := endpoint(ctx, e, wantIPv6)
	if err != nil {
		logger.WithError(err).Debug("cannot resolve broker")
		return config.DistanceError
	}
	if wrongFamily {
		logger.Debug("broker address family does not match tunnel mode")
		return config.DistanceWrongFamily
	}

	conn := transport.NewDatagram(p.timeout())
	if err := conn.Connect(ctx, ip.String(), p.port()); err != nil {
		logger.WithError(err).Debug("cannot reach broker")
		return config.DistanceError
	}
	defer conn.Close()

	// Failed probes keep the time spent and add a penalty on top.
	rtt, err := p.time(conn)
	ms := uint32(rtt / time.Millisecond)
	switch {
	case errors.Is(err, transport.ErrTimeout):
		logger.Info("echo request timed out")
		return ms + config.DistanceTimeout
	case errors.Is(err, errBadEchoStatus):
		logger.Info("broker refused echo request")
		return ms + config.DistanceError
	case err != nil:
		logger.WithError(err).Info("echo request failed")
		return ms + config.DistanceError
	}
	logger.WithField("rtt", rtt).Debug("echo reply")
	return ms
}

var errBadEchoStatus = errors.New("broker: echo reply status is not 200")

func (p *EchoProber) time(conn transport.Transport) (time.Duration, error) {
	start := time.Now()
	seq := (config.RUDPInitialSequence + p.seq.Add(1)) | config.RUDPSequenceFlag
	buf := make([]byte, config.ProtocolBufferSize)

	for attempt := 0; attempt < p.attempts(); attempt++ {
		sent := time.Now()
		msg, err := transport.Header{
			Sequence:  seq,
			Timestamp: uint32(sent.Sub(start) / time.Millisecond),
		}.Marshal([]byte(EchoRequest))
		if err != nil {
			return 0, err
		}
		if _, err := conn.Write(msg); err != nil {
			return time.Since(start), err
		}

		for {
			n, err := conn.Read(buf)
			if errors.Is(err, transport.ErrTimeout) {
				break
			}
			if err != nil {
				return time.Since(start), err
			}
			h, payload, err := transport.UnmarshalHeader(buf[:n])
			if err != nil || h.Sequence != seq {
				continue
			}
			rtt := time.Since(sent)
			if tsp.StatusCode(payload) != tsp.CodeSuccess {
				return rtt, errBadEchoStatus
			}
			return rtt, nil
		}
	}
	return time.Since(start), transport.ErrTimeout
}

// Measure fills in every entry's distance, probing all brokers at once and
// returning only after each probe is done.
func (l *List) Measure(ctx context.Context, p Prober, mode tsp.TunnelMode) {
	wantIPv6 := mode.IPv6Transport()

	var g errgroup.Group
	for i := range l.entries {
		e := &l.entries[i]
		g.Go(func() error {
			e.Distance = p.Distance(ctx, *e, wantIPv6)
			return nil
		})
	}
	_ = g.Wait()
}
