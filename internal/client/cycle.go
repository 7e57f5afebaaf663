package client

import (
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// cycles lists the transports tried in turn for each tunnel mode.
var cycles = map[tsp.TunnelMode][]transport.Kind{
	tsp.ModeV6V4:    {transport.RUDP, transport.TCP},
	tsp.ModeV6AnyV4: {transport.RUDP, transport.TCP},
	tsp.ModeV6UDPV4: {transport.RUDP},
	tsp.ModeV4V6:    {transport.RUDP6, transport.TCP6},
}

// attempt is the transport and protocol version of one connection attempt.
type attempt struct {
	cycle   int
	kind    transport.Kind
	version tsp.Version
}

// plan picks the transport for cycle and the protocol version. Without a
// pending fallback the current version is used. ok is false when the
// version cannot fall back any further.
func plan(mode tsp.TunnelMode, cycle int, v tsp.Version, fallback bool) (a attempt, ok bool) {
	kinds := cycles[mode]
	if cycle < 0 || cycle >= len(kinds) {
		cycle = 0
	}
	a = attempt{cycle: cycle, kind: kinds[cycle], version: tsp.VersionCurrent}
	if fallback {
		a.version, ok = v.Fallback(mode)
		return a, ok
	}
	return a, true
}

// quickCycle reports whether a transport remains to be tried after kind.
func quickCycle(mode tsp.TunnelMode, kind transport.Kind) bool {
	switch mode {
	case tsp.ModeV6V4, tsp.ModeV6AnyV4:
		return kind == transport.RUDP
	case tsp.ModeV4V6:
		return kind == transport.RUDP6
	}
	return false
}
