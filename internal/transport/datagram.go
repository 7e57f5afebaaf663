package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gogoc-tsp/internal/config"
)

// datagram is bare connected UDP: one Write is one datagram, one Read one
// datagram, no retransmission.
type datagram struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	timeout   time.Duration
	closeOnce sync.Once
}

func newDatagram() *datagram {
	return &datagram{timeout: config.ReadTimeout}
}

// NewDatagram returns a UDP transport whose reads give up after timeout.
func NewDatagram(timeout time.Duration) Transport {
	return &datagram{timeout: timeout}
}

func (d *datagram) Kind() Kind { return UDP }

func (d *datagram) Connect(ctx context.Context, host string, port uint16) error {
	ip, err := resolve(ctx, UDP, host)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: ip, Port: int(port)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

func (d *datagram) get() (*net.UDPConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	return d.conn, nil
}

func (d *datagram) Write(p []byte) (int, error) {
	conn, err := d.get()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (d *datagram) Read(p []byte) (int, error) {
	conn, err := d.get()
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, ErrTimeout
	}
	return n, err
}

func (d *datagram) SendReceive(out, in []byte) (int, error) {
	if _, err := d.Write(out); err != nil {
		return 0, err
	}
	return d.Read(in)
}

func (d *datagram) Printf(format string, args ...any) (int, error) {
	return d.Write([]byte(fmt.Sprintf(format, args...)))
}

func (d *datagram) LocalAddr() net.Addr {
	conn, err := d.get()
	if err != nil {
		return nil
	}
	return conn.LocalAddr()
}

func (d *datagram) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if conn, gerr := d.get(); gerr == nil {
			err = conn.Close()
		}
	})
	return err
}

var _ Transport = (*datagram)(nil)
