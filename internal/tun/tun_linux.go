//go:build linux

package tun

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	tunDevice = "/dev/net/tun"
	ifnamsiz  = 16
	iffTun    = 0x0001
	iffNoPi   = 0x1000
)

type ifReq struct {
	name  [ifnamsiz]byte
	flags uint16
	_     [22]byte // padding
}

type LinuxTunDevice struct {
	fd   *os.File
	name string
	mtu  int

	closeOnce sync.Once
}

// New creates the device. The kernel may pick a different name than the
// one requested, so callers must use Name() afterwards.
func New(cfg Config) (Device, error) {
	fd, err := os.OpenFile(tunDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevice, err)
	}

	var req ifReq
	copy(req.name[:ifnamsiz-1], cfg.Name)
	req.flags = iffTun | iffNoPi

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		fd.Close()
		return nil, fmt.Errorf("ioctl TUNSETIFF: %w", errno)
	}

	name := cfg.Name
	if i := bytes.IndexByte(req.name[:], 0); i > 0 {
		name = string(req.name[:i])
	}
	dev := &LinuxTunDevice{
		fd:   fd,
		name: name,
		mtu:  cfg.MTU,
	}

	if err := dev.configure(); err != nil {
		fd.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"device": name, "mtu": cfg.MTU}).Debug("tun device created")
	return dev, nil
}

// configure only brings the link up; addresses and routes are the
// template script's job.
func (d *LinuxTunDevice) configure() error {
	commands := [][]string{
		{"ip", "link", "set", d.name, "up"},
		{"ip", "link", "set", d.name, "mtu", fmt.Sprint(d.mtu)},
	}
	for _, args := range commands {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("exec %v: %s: %w", args, bytes.TrimSpace(out), err)
		}
	}
	return nil
}

func (d *LinuxTunDevice) Read(buf []byte) (int, error) {
	return d.fd.Read(buf)
}

func (d *LinuxTunDevice) Write(buf []byte) (int, error) {
	return d.fd.Write(buf)
}

func (d *LinuxTunDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.fd.Close()
	})
	return err
}

func (d *LinuxTunDevice) Name() string {
	return d.name
}

func (d *LinuxTunDevice) MTU() int {
	return d.mtu
}

var _ Device = (*LinuxTunDevice)(nil)
