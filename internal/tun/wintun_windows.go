//go:build windows

package tun

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

// runHidden executes a command with hidden console window.
func runHidden(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	return cmd
}

const ringCapacity = 0x400000 // 4MB ring buffer

var errDeviceClosed = errors.New("tun: device closed")

type WinTunDevice struct {
	adapter  *wintun.Adapter
	session  wintun.Session
	name     string
	mtu      int
	readWait windows.Handle

	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg Config) (Device, error) {
	adapter, err := wintun.CreateAdapter(cfg.Name, "gogoc", nil)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	session, err := adapter.StartSession(ringCapacity)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	dev := &WinTunDevice{
		adapter:  adapter,
		session:  session,
		name:     cfg.Name,
		mtu:      cfg.MTU,
		readWait: session.ReadWaitEvent(),
		closed:   make(chan struct{}),
	}

	// Addresses come from the template script; a failed MTU change is
	// not fatal.
	if out, err := runHidden("netsh", "interface", "ipv6", "set", "subinterface",
		dev.name, fmt.Sprintf("mtu=%d", dev.mtu), "store=active").CombinedOutput(); err != nil {
		log.WithField("output", string(out)).WithError(err).Warn("cannot set tunnel MTU")
	}
	return dev, nil
}

func (d *WinTunDevice) Read(buf []byte) (int, error) {
	for {
		select {
		case <-d.closed:
			return 0, errDeviceClosed
		default:
		}

		packet, err := d.session.ReceivePacket()
		if err != nil {
			if err == windows.ERROR_NO_MORE_ITEMS {
				windows.WaitForSingleObject(d.readWait, windows.INFINITE)
				continue
			}
			return 0, fmt.Errorf("receive packet: %w", err)
		}

		n := copy(buf, packet)
		d.session.ReleaseReceivePacket(packet)
		return n, nil
	}
}

func (d *WinTunDevice) Write(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, errDeviceClosed
	default:
	}

	packet, err := d.session.AllocateSendPacket(len(buf))
	if err != nil {
		return 0, fmt.Errorf("allocate send packet: %w", err)
	}

	copy(packet, buf)
	d.session.SendPacket(packet)
	return len(buf), nil
}

func (d *WinTunDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.session.End()
		d.adapter.Close()
	})
	return nil
}

func (d *WinTunDevice) Name() string {
	return d.name
}

func (d *WinTunDevice) MTU() int {
	return d.mtu
}

func init() {
	// Load WinTun DLL from current directory
	windows.SetDllDirectory(".")
}

var _ Device = (*WinTunDevice)(nil)
