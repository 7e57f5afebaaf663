package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: no reply from peer")
	ErrNoPeer       = errors.New("transport: no listener answered")
	ErrClosed       = errors.New("transport: connection closed")
	ErrResolve      = errors.New("transport: cannot resolve address")
	ErrConnect      = errors.New("transport: cannot connect")
	ErrBadAddress   = errors.New("transport: bad address")
)

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
