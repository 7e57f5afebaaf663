package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/config"
)

// rttEngine estimates the retransmission timeout from measured round trips
// (Jacobson/Karels, gains 1/8 and 1/4).
type rttEngine struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	retries int
	hasPeer bool
	backoff bool
	start   time.Time
}

func newRTTEngine(now time.Time) *rttEngine {
	return &rttEngine{
		rttvar: config.RUDPInitialRTTVar,
		rto:    config.RUDPInitialRTO,
		start:  now,
	}
}

func clampRTO(d time.Duration) time.Duration {
	if d < config.RUDPMinRTO {
		return config.RUDPMinRTO
	}
	if d > config.RUDPMaxRTO {
		return config.RUDPMaxRTO
	}
	return d
}

func (e *rttEngine) update(rtt time.Duration) {
	delta := rtt - e.srtt
	e.srtt += delta / 8
	if delta < 0 {
		delta = -delta
	}
	e.rttvar += (delta - e.rttvar) / 4
	e.rto = clampRTO(e.srtt + 4*e.rttvar)
	e.retries = 0
}

// timestamp is milliseconds since the engine started, as carried in the
// header.
func (e *rttEngine) timestamp(now time.Time) uint32 {
	return uint32(now.Sub(e.start) / time.Millisecond)
}

// rudp sends every message as a datagram and waits for the reply carrying
// the same sequence number, retransmitting on timeout.
type rudp struct {
	kind Kind

	mu      sync.Mutex
	conn    *net.UDPConn
	rtt     *rttEngine
	seq     uint32
	pending []byte

	closeOnce sync.Once
}

func newRUDP(kind Kind) *rudp {
	return &rudp{kind: kind, seq: config.RUDPInitialSequence}
}

func (r *rudp) Kind() Kind { return r.kind }

func (r *rudp) Connect(ctx context.Context, host string, port uint16) error {
	ip, err := resolve(ctx, r.kind, host)
	if err != nil {
		return err
	}
	raddr := &net.UDPAddr{IP: ip, Port: int(port)}
	conn, err := net.DialUDP(r.kind.network("udp"), nil, raddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.rtt = newRTTEngine(time.Now())
	r.seq = config.RUDPInitialSequence
	r.pending = nil
	r.mu.Unlock()

	log.WithFields(log.Fields{"transport": r.kind, "remote": raddr}).Debug("connected")
	return nil
}

// exchange sends payload and returns the peer's matching reply.
func (r *rudp) exchange(payload []byte) ([]byte, error) {
	if r.conn == nil {
		return nil, ErrNotConnected
	}

	hdr := Header{Sequence: r.seq | config.RUDPSequenceFlag}
	r.seq++
	buf := make([]byte, config.MaxPacketSize)

	for {
		if r.rtt.retries == config.RUDPRetriesNoPeer {
			if !r.rtt.hasPeer {
				return nil, ErrNoPeer
			}
			r.rtt.backoff = true
		}
		if r.rtt.retries == config.RUDPMaxRetries {
			return nil, ErrTimeout
		}

		hdr.Timestamp = r.rtt.timestamp(time.Now())
		datagram, err := hdr.Marshal(payload)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"seq":     hdr.Sequence &^ config.RUDPSequenceFlag,
			"retries": r.rtt.retries,
			"rto":     r.rtt.rto,
		}).Trace("rudp send")
		if _, err := r.conn.Write(datagram); err != nil {
			return nil, err
		}

		reply, err := r.await(hdr.Sequence, buf, time.Now().Add(r.rtt.rto))
		if errors.Is(err, ErrTimeout) {
			if r.rtt.backoff {
				r.rtt.rto = clampRTO(r.rtt.rto * 2)
			}
			r.rtt.retries++
			continue
		}
		if err != nil {
			return nil, err
		}

		r.rtt.hasPeer = true
		return reply, nil
	}
}

// await reads until a datagram with sequence seq arrives or the deadline
// passes. Stray datagrams only consume the remaining wait.
func (r *rudp) await(seq uint32, buf []byte, deadline time.Time) ([]byte, error) {
	for {
		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := r.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		hdr, payload, err := UnmarshalHeader(buf[:n])
		if err != nil || hdr.Sequence != seq {
			continue
		}
		now := time.Now()
		rtt := time.Duration(r.rtt.timestamp(now)-hdr.Timestamp) * time.Millisecond
		r.rtt.update(rtt)
		return append([]byte(nil), payload...), nil
	}
}

// Write sends p and keeps the broker's reply for the next Read.
func (r *rudp) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reply, err := r.exchange(p)
	if err != nil {
		return 0, err
	}
	r.pending = append(r.pending, reply...)
	return len(p), nil
}

// Read returns a reply kept by Write, or polls the broker with an empty
// message.
func (r *rudp) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		reply, err := r.exchange(nil)
		if err != nil {
			return 0, err
		}
		r.pending = reply
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *rudp) SendReceive(out, in []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = nil
	reply, err := r.exchange(out)
	if err != nil {
		return 0, err
	}
	n := copy(in, reply)
	r.pending = reply[n:]
	return n, nil
}

func (r *rudp) Printf(format string, args ...any) (int, error) {
	return r.Write([]byte(fmt.Sprintf(format, args...)))
}

func (r *rudp) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// RawConn hands out the underlying socket with no read deadline. Do not
// mix it with Read or Write on r.
func (r *rudp) RawConn() net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	_ = r.conn.SetReadDeadline(time.Time{})
	return r.conn
}

func (r *rudp) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

var (
	_ Transport = (*rudp)(nil)
	_ Raw       = (*rudp)(nil)
)
