package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/config"
)

// stream is the TCP and TCP6 transport.
type stream struct {
	kind Kind

	mu        sync.Mutex
	conn      net.Conn
	closeOnce sync.Once
}

func newStream(kind Kind) *stream {
	return &stream{kind: kind}
}

func (s *stream) Kind() Kind { return s.kind }

func (s *stream) Connect(ctx context.Context, host string, port uint16) error {
	ip, err := resolve(ctx, s.kind, host)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, s.kind.network("tcp"), addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	log.WithFields(log.Fields{"transport": s.kind, "remote": addr}).Debug("connected")
	return nil
}

func (s *stream) get() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *stream) Write(p []byte) (int, error) {
	conn, err := s.get()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (s *stream) Read(p []byte) (int, error) {
	conn, err := s.get()
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, ErrTimeout
	}
	return n, err
}

func (s *stream) SendReceive(out, in []byte) (int, error) {
	if _, err := s.Write(out); err != nil {
		return 0, err
	}
	return s.Read(in)
}

func (s *stream) Printf(format string, args ...any) (int, error) {
	return s.Write([]byte(fmt.Sprintf(format, args...)))
}

func (s *stream) LocalAddr() net.Addr {
	conn, err := s.get()
	if err != nil {
		return nil
	}
	return conn.LocalAddr()
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

var _ Transport = (*stream)(nil)
