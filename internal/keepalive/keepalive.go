// Package keepalive sends ICMP echo requests through an established tunnel
// and reports when the far end stops answering.
package keepalive

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/packet"
)

// State is the engine life cycle.
type State int32

const (
	Idle State = iota
	Initialized
	Running
	Stopping
	FinishedSuccess
	FinishedTimeout
	FinishedError
)

var stateNames = [...]string{"idle", "initialized", "running", "stopping", "finished", "timeout", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Finished reports whether the run loop has exited.
func (s State) Finished() bool { return s >= FinishedSuccess }

var (
	ErrInvalidParams = errors.New("keepalive: invalid parameters")
	ErrSocket        = errors.New("keepalive: cannot open icmp socket")
)

// Conn is the packet socket echoes travel over. *icmp.PacketConn
// satisfies it.
type Conn interface {
	WriteTo(b []byte, dst net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Stats are cumulative counters for one engine.
type Stats struct {
	Sent     uint64
	Received uint64
	Timeouts uint64
	LastRTT  time.Duration
}

type event struct {
	seq      uint16
	deadline time.Time
}

// Engine runs the keepalive loop on its own goroutine.
type Engine struct {
	interval       time.Duration
	timeout        time.Duration
	maxConsecutive int
	src, dst       net.IP
	family         int
	id             uint16
	conn           Conn

	state   atomic.Int32
	ongoing atomic.Bool
	done    chan struct{}
	started atomic.Bool
	closed  sync.Once

	mu          sync.Mutex
	seq         uint16
	events      []event // sorted by deadline
	consecutive int
	late        int
	stats       Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithConn replaces the raw ICMP socket.
func WithConn(c Conn) Option { return func(e *Engine) { e.conn = c } }

// WithReplyTimeout sets how long each echo waits for its reply.
func WithReplyTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

// WithMaxConsecutive sets how many consecutive timeouts end the engine.
func WithMaxConsecutive(n int) Option { return func(e *Engine) { e.maxConsecutive = n } }

// WithIdentifier overrides the process derived echo identifier.
func WithIdentifier(id uint16) Option { return func(e *Engine) { e.id = id } }

// New validates the addresses and opens the echo socket. family is 4 or 6.
func New(interval time.Duration, src, dst net.IP, family int, opts ...Option) (*Engine, error) {
	if interval <= 0 || !matches(src, family) || !matches(dst, family) {
		return nil, ErrInvalidParams
	}
	e := &Engine{
		interval:       interval,
		timeout:        config.KeepaliveReplyTimeout,
		maxConsecutive: config.KeepaliveMaxConsecutive,
		src:            src,
		dst:            dst,
		family:         family,
		id:             uint16(os.Getpid()),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.conn == nil {
		c, err := listen(family, src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSocket, err)
		}
		e.conn = c
	}
	e.state.Store(int32(Initialized))
	return e, nil
}

func matches(ip net.IP, family int) bool {
	switch family {
	case packet.IPv4Version:
		return ip.To4() != nil
	case packet.IPv6Version:
		return ip.To16() != nil && ip.To4() == nil
	}
	return false
}

func listen(family int, src net.IP) (*icmp.PacketConn, error) {
	if family == packet.IPv4Version {
		return icmp.ListenPacket("ip4:icmp", src.String())
	}
	return icmp.ListenPacket("ip6:ipv6-icmp", src.String())
}

// Start launches the run loop and returns immediately.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(Initialized), int32(Running)) {
		return ErrInvalidParams
	}
	e.ongoing.Store(true)
	e.started.Store(true)
	go e.run()
	return nil
}

// Status is safe to call from any goroutine.
func (e *Engine) Status() State { return State(e.state.Load()) }

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Stop asks the loop to exit and unblocks any pending read. Callers then
// Wait for it.
func (e *Engine) Stop() {
	if e.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		e.ongoing.Store(false)
	} else {
		e.state.CompareAndSwap(int32(Initialized), int32(FinishedSuccess))
	}
	e.closeConn()
}

// Wait blocks until the run loop has exited. It returns at once when the
// engine was never started.
func (e *Engine) Wait() {
	if e.started.Load() {
		<-e.done
	}
}

// Destroy releases the socket and pending events.
func (e *Engine) Destroy() error {
	if e == nil || e.Status() == Idle {
		return ErrInvalidParams
	}
	e.Stop()
	e.Wait()
	e.mu.Lock()
	e.events = nil
	e.mu.Unlock()
	e.state.Store(int32(Idle))
	return nil
}

func (e *Engine) closeConn() {
	e.closed.Do(func() {
		if err := e.conn.Close(); err != nil {
			log.WithError(err).Debug("keepalive: close socket")
		}
	})
}

func (e *Engine) finish(s State) {
	e.state.Store(int32(s))
	e.ongoing.Store(false)
}

func (e *Engine) run() {
	defer close(e.done)

	buf := make([]byte, config.MaxPacketSize)
	next := time.Now().Add(e.interval)

	for e.ongoing.Load() {
		now := time.Now()
		if !now.Before(next) {
			if err := e.send(now); err != nil {
				if !e.ongoing.Load() {
					break
				}
				log.WithError(err).Error("keepalive: send echo")
				e.finish(FinishedError)
				return
			}
			next = now.Add(e.interval)
		}

		if e.expire(now) {
			log.WithField("dst", e.dst).Warn("keepalive: peer stopped answering")
			e.finish(FinishedTimeout)
			return
		}

		if err := e.conn.SetReadDeadline(e.wakeup(next)); err != nil && e.ongoing.Load() {
			log.WithError(err).Error("keepalive: set read deadline")
			e.finish(FinishedError)
			return
		}
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !e.ongoing.Load() {
				break
			}
			log.WithError(err).Error("keepalive: receive")
			e.finish(FinishedError)
			return
		}
		e.receive(buf[:n], time.Now())
	}
	e.finish(FinishedSuccess)
}

// wakeup is the sooner of the next send and the oldest reply deadline.
func (e *Engine) wakeup(next time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) > 0 && e.events[0].deadline.Before(next) {
		return e.events[0].deadline
	}
	return next
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *Engine) send(now time.Time) error {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	msg, err := packet.BuildEcho(e.family, e.id, seq, now, e.src, e.dst)
	if err != nil {
		return err
	}
	if _, err := e.conn.WriteTo(msg, &net.IPAddr{IP: e.dst}); err != nil {
		return err
	}

	e.mu.Lock()
	e.addEvent(event{seq: seq, deadline: now.Add(e.timeout)})
	e.stats.Sent++
	e.mu.Unlock()
	log.WithFields(log.Fields{"seq": seq, "dst": e.dst}).Trace("keepalive: echo sent")
	return nil
}

func (e *Engine) addEvent(ev event) {
	i := sort.Search(len(e.events), func(i int) bool { return e.events[i].deadline.After(ev.deadline) })
	e.events = append(e.events, event{})
	copy(e.events[i+1:], e.events[i:])
	e.events[i] = ev
}

// expire drops every event whose deadline has passed and reports whether
// the consecutive timeout limit was reached.
func (e *Engine) expire(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for n < len(e.events) && !e.events[n].deadline.After(now) {
		log.WithField("seq", e.events[n].seq).Debug("keepalive: echo timed out")
		n++
	}
	if n > 0 {
		e.events = append(e.events[:0], e.events[n:]...)
		e.consecutive += n
		e.late += n
		e.stats.Timeouts += uint64(n)
	}
	return e.consecutive >= e.maxConsecutive
}

// receive matches a reply to its pending event. Anything that is not a
// reply to one of our own echoes is ignored.
func (e *Engine) receive(raw []byte, now time.Time) {
	echo, err := packet.ParseEcho(e.family, raw)
	if err != nil {
		log.WithError(err).Debug("keepalive: ignoring packet")
		return
	}
	if echo.ID != e.id {
		log.WithField("id", echo.ID).Debug("keepalive: ignoring foreign echo reply")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutive = 0
	for i, ev := range e.events {
		if ev.seq == echo.Seq {
			e.events = append(e.events[:i], e.events[i+1:]...)
			e.stats.Received++
			e.stats.LastRTT = echo.RTT(now)
			log.WithFields(log.Fields{"seq": echo.Seq, "rtt": e.stats.LastRTT}).Debug("keepalive: echo reply")
			return
		}
	}
	if e.late > 0 {
		e.late--
	}
	log.WithField("seq", echo.Seq).Debug("keepalive: late echo reply")
}
