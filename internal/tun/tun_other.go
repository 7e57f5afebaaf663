//go:build !linux && !windows

package tun

import (
	"fmt"

	"github.com/songgao/water"
)

// waterDevice covers the BSDs and macOS, where the system picks the
// utun/tun unit.
type waterDevice struct {
	*water.Interface
	mtu int
}

func New(cfg Config) (Device, error) {
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}
	return &waterDevice{Interface: iface, mtu: cfg.MTU}, nil
}

func (d *waterDevice) MTU() int { return d.mtu }

var _ Device = (*waterDevice)(nil)
