package keepalive

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gogoc-tsp/internal/packet"
)

var (
	src4 = net.ParseIP("192.0.2.1")
	dst4 = net.ParseIP("192.0.2.2")
	src6 = net.ParseIP("2001:db8::2")
	dst6 = net.ParseIP("2001:db8::1")
)

// loopConn answers echo requests in memory when answer is set.
type loopConn struct {
	family   int
	src, dst net.IP
	answer   bool

	mu       sync.Mutex
	deadline time.Time
	written  [][]byte
	replies  chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newLoopConn(family int, src, dst net.IP, answer bool) *loopConn {
	return &loopConn{family: family, src: src, dst: dst, answer: answer,
		replies: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *loopConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), b...))
	c.mu.Unlock()
	if c.answer {
		reply, err := packet.ReplyFor(c.family, b, c.dst, c.src)
		if err != nil {
			return 0, err
		}
		c.replies <- reply
	}
	return len(b), nil
}

func (c *loopConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()
	var expired <-chan time.Time
	if !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-c.replies:
		return copy(b, r), &net.IPAddr{IP: c.dst}, nil
	case <-expired:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *loopConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *loopConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *loopConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written[len(c.written)-1]
}

func newEngine(t *testing.T, family int, answer bool, opts ...Option) (*Engine, *loopConn) {
	t.Helper()
	src, dst := src4, dst4
	if family == packet.IPv6Version {
		src, dst = src6, dst6
	}
	conn := newLoopConn(family, src, dst, answer)
	e, err := New(time.Hour, src, dst, family, append([]Option{WithConn(conn), WithIdentifier(0x4242)}, opts...)...)
	require.NoError(t, err)
	return e, conn
}

func TestNewInvalid(t *testing.T) {
	tests := map[string]struct {
		interval time.Duration
		src, dst net.IP
		family   int
	}{
		"zero interval": {0, src4, dst4, 4},
		"bad family":    {time.Second, src4, dst4, 5},
		"v6 src for v4": {time.Second, src6, dst4, 4},
		"v4 dst for v6": {time.Second, src6, dst4, 6},
		"missing dst":   {time.Second, src4, nil, 4},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(tt.interval, tt.src, tt.dst, tt.family, WithConn(newLoopConn(4, nil, nil, false)))
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestReplyClearsEvent(t *testing.T) {
	for _, family := range []int{packet.IPv4Version, packet.IPv6Version} {
		e, conn := newEngine(t, family, false)
		now := time.Now()
		require.NoError(t, e.send(now))
		require.Len(t, e.events, 1)

		reply, err := packet.ReplyFor(family, conn.last(), conn.dst, conn.src)
		require.NoError(t, err)
		e.receive(reply, now.Add(10*time.Millisecond))

		assert.Empty(t, e.events)
		assert.Zero(t, e.consecutive)
		assert.Equal(t, uint64(1), e.Stats().Received)
		assert.Equal(t, 10*time.Millisecond, e.Stats().LastRTT.Round(time.Millisecond))
	}
}

func TestTimeoutCountedOnce(t *testing.T) {
	e, conn := newEngine(t, packet.IPv4Version, false, WithReplyTimeout(5*time.Second))
	t0 := time.Now()
	require.NoError(t, e.send(t0))

	assert.False(t, e.expire(t0.Add(4*time.Second)))
	assert.Len(t, e.events, 1)

	assert.False(t, e.expire(t0.Add(5*time.Second)))
	assert.Empty(t, e.events)
	assert.Equal(t, 1, e.consecutive)
	assert.Equal(t, 1, e.late)

	e.expire(t0.Add(6 * time.Second))
	assert.Equal(t, 1, e.consecutive)
	assert.Equal(t, uint64(1), e.Stats().Timeouts)

	// The reply finally arrives: it cancels the late count and resets the
	// consecutive counter.
	reply, err := packet.ReplyFor(packet.IPv4Version, conn.last(), dst4, src4)
	require.NoError(t, err)
	e.receive(reply, t0.Add(7*time.Second))
	assert.Zero(t, e.late)
	assert.Zero(t, e.consecutive)
	assert.Zero(t, e.Stats().Received)
}

func TestConsecutiveLimit(t *testing.T) {
	e, _ := newEngine(t, packet.IPv4Version, false, WithReplyTimeout(time.Second), WithMaxConsecutive(3))
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, e.send(t0.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, e.expire(t0.Add(2*time.Second)))
	assert.True(t, e.expire(t0.Add(3*time.Second)))
}

func TestOutOfOrderReplies(t *testing.T) {
	e, conn := newEngine(t, packet.IPv6Version, false)
	now := time.Now()
	require.NoError(t, e.send(now))
	first := conn.last()
	require.NoError(t, e.send(now.Add(time.Millisecond)))
	second := conn.last()

	for _, req := range [][]byte{second, first} {
		reply, err := packet.ReplyFor(packet.IPv6Version, req, dst6, src6)
		require.NoError(t, err)
		e.receive(reply, now.Add(5*time.Millisecond))
	}
	assert.Empty(t, e.events)
	assert.Equal(t, uint64(2), e.Stats().Received)
}

func TestSequenceWraps(t *testing.T) {
	e, _ := newEngine(t, packet.IPv4Version, false)
	e.seq = 65534
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, e.send(now))
	}
	var seqs []uint16
	for _, ev := range e.events {
		seqs = append(seqs, ev.seq)
	}
	assert.Equal(t, []uint16{65534, 65535, 0}, seqs)
}

func TestIgnoresForeignPackets(t *testing.T) {
	e, conn := newEngine(t, packet.IPv4Version, false)
	now := time.Now()
	require.NoError(t, e.send(now))
	e.consecutive = 2

	foreign, err := packet.BuildEcho(packet.IPv4Version, 0x1111, 0, now, nil, nil)
	require.NoError(t, err)
	reply, err := packet.ReplyFor(packet.IPv4Version, foreign, dst4, src4)
	require.NoError(t, err)

	e.receive(reply, now)
	e.receive(conn.last(), now) // our own request, not a reply
	e.receive([]byte{0, 0}, now)

	assert.Len(t, e.events, 1)
	assert.Equal(t, 2, e.consecutive)
}

func TestEventsSortedByDeadline(t *testing.T) {
	e, _ := newEngine(t, packet.IPv4Version, false)
	t0 := time.Now()
	e.addEvent(event{seq: 1, deadline: t0.Add(3 * time.Second)})
	e.addEvent(event{seq: 2, deadline: t0.Add(time.Second)})
	e.addEvent(event{seq: 3, deadline: t0.Add(2 * time.Second)})
	e.addEvent(event{seq: 4, deadline: t0.Add(time.Second)})

	var seqs []uint16
	for _, ev := range e.events {
		seqs = append(seqs, ev.seq)
	}
	assert.Equal(t, []uint16{2, 4, 3, 1}, seqs)
	assert.Equal(t, t0.Add(time.Second), e.wakeup(t0.Add(time.Minute)))
	assert.Equal(t, t0, e.wakeup(t0))
}

func TestRunAndStop(t *testing.T) {
	conn := newLoopConn(packet.IPv4Version, src4, dst4, true)
	e, err := New(20*time.Millisecond, src4, dst4, packet.IPv4Version, WithConn(conn))
	require.NoError(t, err)
	assert.Equal(t, Initialized, e.Status())

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrInvalidParams)

	require.Eventually(t, func() bool { return e.Stats().Received >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Running, e.Status())

	e.Stop()
	e.Wait()
	assert.Equal(t, FinishedSuccess, e.Status())

	require.NoError(t, e.Destroy())
	assert.Equal(t, Idle, e.Status())
	assert.ErrorIs(t, e.Destroy(), ErrInvalidParams)
}

func TestRunTimesOut(t *testing.T) {
	conn := newLoopConn(packet.IPv6Version, src6, dst6, false)
	e, err := New(10*time.Millisecond, src6, dst6, packet.IPv6Version,
		WithConn(conn), WithReplyTimeout(20*time.Millisecond), WithMaxConsecutive(3))
	require.NoError(t, err)
	require.NoError(t, e.Start())

	require.Eventually(t, func() bool { return e.Status().Finished() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, FinishedTimeout, e.Status())
	assert.GreaterOrEqual(t, e.Stats().Timeouts, uint64(3))
	e.Stop()
	e.Wait()
	assert.Equal(t, FinishedTimeout, e.Status())
}

func TestStopBeforeStart(t *testing.T) {
	e, _ := newEngine(t, packet.IPv4Version, false)
	e.Stop()
	e.Wait()
	assert.Equal(t, FinishedSuccess, e.Status())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timeout", FinishedTimeout.String())
	assert.Equal(t, "state(42)", State(42).String())
}
