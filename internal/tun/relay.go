package tun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/packet"
)

// Relay moves IPv6 packets between the device and the UDP socket shared
// with the broker until ctx is done or either side fails. dev is closed on
// return since a pending device read cannot be interrupted otherwise.
func Relay(ctx context.Context, dev io.ReadWriteCloser, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		_ = conn.SetReadDeadline(time.Now())
		return dev.Close()
	})
	g.Go(func() error { return pump(gctx, "tun->broker", dev, conn) })
	g.Go(func() error { return pump(gctx, "broker->tun", conn, dev) })

	err := g.Wait()
	if ctx.Err() != nil || errors.Is(err, errStopped) {
		return nil
	}
	return err
}

var errStopped = errors.New("tun: relay stopped")

func pump(ctx context.Context, dir string, src io.Reader, dst io.Writer) error {
	buf := make([]byte, config.MaxPacketSize)
	for {
		n, err := src.Read(buf)
		if ctx.Err() != nil {
			return errStopped
		}
		if err != nil {
			return fmt.Errorf("%s read: %w", dir, err)
		}
		if packet.GetIPVersion(buf[:n]) != packet.IPv6Version {
			log.WithFields(log.Fields{"direction": dir, "size": n}).Trace("dropping non IPv6 packet")
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			if ctx.Err() != nil {
				return errStopped
			}
			return fmt.Errorf("%s write: %w", dir, err)
		}
	}
}
