// Package tun opens the local tunnel device and hands negotiated tunnel
// parameters to the platform configuration script.
package tun

import (
	"io"

	"gogoc-tsp/internal/config"
)

// Device is a layer 3 tunnel device. Only the v6udpv4 mode reads and writes
// it from this process; the other modes are kernel tunnels configured by
// the script.
type Device interface {
	io.ReadWriteCloser
	Name() string
	MTU() int
}

type Config struct {
	Name string
	MTU  int
}

func DefaultConfig(name string) Config {
	return Config{
		Name: name,
		MTU:  config.DefaultTunnelMTU,
	}
}
